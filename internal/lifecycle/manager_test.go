package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/lifecycle"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/store"
)

func newManager(t *testing.T, cfg config.Benchmark, runner lifecycle.CycleRunner, opts ...lifecycle.Option) (*lifecycle.Manager, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if err := s.PutConfig(context.Background(), &cfg); err != nil {
		t.Fatal(err)
	}
	return lifecycle.NewManager(s, runner, logging.Discard(), opts...), s
}

func waitRun(t *testing.T, m *lifecycle.Manager, runID string) *result.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, runID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	run, err := m.Status(ctx, runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return run
}

// blockingRunner parks every cycle until its context is cancelled.
func blockingRunner(entered chan<- struct{}) lifecycle.CycleFunc {
	return func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return result.CycleReport{}, ctx.Err()
	}
}

func TestCostBudgetStopsBeforeThirdCycle(t *testing.T) {
	var calls atomic.Int32
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		calls.Add(1)
		return result.CycleReport{TasksCompleted: 1, CostUSD: 0.75}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b", MaxCostUSD: 1}, runner)

	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusLimitReached {
		t.Fatalf("got %v (%s), want limit_reached", final.Status, final.StopReason)
	}
	if final.TotalCostUSD != 1.5 {
		t.Errorf("got cost %v, want 1.5", final.TotalCostUSD)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("got %d cycles, want 2", got)
	}
	if final.CompletedAt == nil {
		t.Error("completedAt not set")
	}
}

func TestCycleBudget(t *testing.T) {
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{TasksCompleted: 1}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b", MaxCycles: 3}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusLimitReached || final.CyclesCompleted != 3 {
		t.Errorf("got %v after %d cycles, want limit_reached after 3", final.Status, final.CyclesCompleted)
	}
}

func TestDurationBudget(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Minute)
	}
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{TasksCompleted: 1}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b", MaxDuration: 3 * time.Minute}, runner, lifecycle.WithClock(clock))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusLimitReached || !strings.Contains(final.StopReason, "time budget") {
		t.Errorf("got %v (%s), want time limit", final.Status, final.StopReason)
	}
}

func TestSuccessWithSpecProgress(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SPEC.md"), []byte("- [x] a\n- [ ] b\n- [ ] c\n- [ ] d\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var gotWorkDir string
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		gotWorkDir = c.WorkDir
		return result.CycleReport{Done: true}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b", WorkDir: dir, SpecFile: "SPEC.md"}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusSuccess {
		t.Fatalf("got %v (%s), want success", final.Status, final.StopReason)
	}
	if final.SpecCompletionPct != 25 {
		t.Errorf("got spec completion %v, want 25", final.SpecCompletionPct)
	}
	if gotWorkDir != dir {
		t.Errorf("got workdir %q, want %q", gotWorkDir, dir)
	}
}

func TestNegligibleProgressSuccessIsFailed(t *testing.T) {
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{Done: true}, nil
	})
	bus := events.NewChannelBus(logging.Discard())
	defer bus.Close()
	ch, unsub := bus.Subscribe(events.RunCompleted)
	defer unsub()

	m, s := newManager(t, config.Benchmark{ID: "b"}, runner, lifecycle.WithEvents(bus))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusFailed || !strings.Contains(final.StopReason, "downgraded") {
		t.Errorf("got %v (%s), want downgraded failure", final.Status, final.StopReason)
	}
	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != result.StatusFailed {
		t.Errorf("stored status %v, want failed", stored.Status)
	}
	select {
	case ev := <-ch:
		if p := ev.Payload.(events.RunCompletedPayload); p.Status != "failed" {
			t.Errorf("got event status %q, want failed", p.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestMinSpecCompletionIsConfigurable(t *testing.T) {
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{Done: true}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b"}, runner, lifecycle.WithMinSpecCompletion(0))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if final := waitRun(t, m, run.ID); final.Status != result.StatusSuccess {
		t.Errorf("got %v, want success with a zero threshold", final.Status)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	entered := make(chan struct{}, 1)
	m, _ := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(entered))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	first, err := m.Stop(context.Background(), run.ID, "operator abort")
	if err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	second, err := m.Stop(context.Background(), run.ID, "again")
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if first.Status != result.StatusBlocked || second.Status != result.StatusBlocked {
		t.Errorf("got %v then %v, want blocked twice", first.Status, second.Status)
	}
	if second.StopReason != "operator abort" {
		t.Errorf("got reason %q, want the first stop's reason", second.StopReason)
	}
	if final := waitRun(t, m, run.ID); final.Status != result.StatusBlocked {
		t.Errorf("got %v after loop exit, want blocked", final.Status)
	}
	if len(m.Active()) != 0 {
		t.Errorf("got %d active runs, want 0", len(m.Active()))
	}
}

func TestStopUnknownRun(t *testing.T) {
	m, _ := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(nil))
	if _, err := m.Stop(context.Background(), "nope", ""); !errors.Is(err, lifecycle.ErrNotActive) {
		t.Errorf("got %v, want ErrNotActive", err)
	}
	if err := m.Pause("nope"); !errors.Is(err, lifecycle.ErrNotActive) {
		t.Errorf("got %v, want ErrNotActive", err)
	}
	if err := m.Resume("nope"); !errors.Is(err, lifecycle.ErrNotActive) {
		t.Errorf("got %v, want ErrNotActive", err)
	}
}

func TestOneActiveRunPerConfig(t *testing.T) {
	entered := make(chan struct{}, 1)
	m, _ := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(entered))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(context.Background(), "b"); !errors.Is(err, lifecycle.ErrAlreadyActive) {
		t.Fatalf("got %v, want ErrAlreadyActive", err)
	}
	<-entered
	if _, err := m.Stop(context.Background(), run.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitRun(t, m, run.ID)

	again, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	<-entered
	if _, err := m.Stop(context.Background(), again.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitRun(t, m, again.ID)
}

func TestConcurrentStart(t *testing.T) {
	m, _ := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(nil))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []string
		busy    atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := m.Start(context.Background(), "b")
			switch {
			case err == nil:
				mu.Lock()
				started = append(started, run.ID)
				mu.Unlock()
			case errors.Is(err, lifecycle.ErrAlreadyActive):
				busy.Add(1)
			default:
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(started) != 1 || busy.Load() != 15 {
		t.Fatalf("got %d started and %d rejected, want 1 and 15", len(started), busy.Load())
	}
	if _, err := m.Stop(context.Background(), started[0], ""); err != nil {
		t.Fatal(err)
	}
	waitRun(t, m, started[0])
}

func TestDifferentConfigsRunConcurrently(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := s.PutConfig(ctx, &config.Benchmark{ID: id, WorkDir: t.TempDir()}); err != nil {
			t.Fatal(err)
		}
	}
	m := lifecycle.NewManager(s, blockingRunner(nil), logging.Discard())
	ra, err := m.Start(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	rb, err := m.Start(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Active()) != 2 {
		t.Errorf("got %d active, want 2", len(m.Active()))
	}
	for _, id := range []string{ra.ID, rb.ID} {
		if _, err := m.Stop(ctx, id, ""); err != nil {
			t.Fatal(err)
		}
		waitRun(t, m, id)
	}
}

func TestCycleErrorFailsRun(t *testing.T) {
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{}, errors.New("agent binary missing")
	})
	m, _ := newManager(t, config.Benchmark{ID: "b"}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusFailed || !strings.Contains(final.StopReason, "agent binary missing") {
		t.Errorf("got %v (%s), want failed with the cycle error", final.Status, final.StopReason)
	}
}

func TestPanicFailsRunAndClearsRegistry(t *testing.T) {
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		panic("boom")
	})
	m, _ := newManager(t, config.Benchmark{ID: "b"}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusFailed || !strings.Contains(final.StopReason, "boom") {
		t.Errorf("got %v (%s), want failed with the panic", final.Status, final.StopReason)
	}
	if len(m.Active()) != 0 {
		t.Error("registry entry leaked after panic")
	}
	if _, err := m.Start(context.Background(), "b"); err != nil {
		t.Errorf("restart after panic: %v", err)
	}
}

func TestPauseGatesNextCycle(t *testing.T) {
	var m *lifecycle.Manager
	var calls atomic.Int32
	paused := make(chan string, 1)
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		if calls.Add(1) == 1 {
			if err := m.Pause(c.RunID); err != nil {
				return result.CycleReport{}, err
			}
			paused <- c.RunID
			return result.CycleReport{TasksCompleted: 1}, nil
		}
		return result.CycleReport{TasksCompleted: 1, Done: true}, nil
	})
	m, _ = newManager(t, config.Benchmark{ID: "b"}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	<-paused

	// Give the loop time to reach the boundary; it must not start cycle 2.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("got %d cycles while paused, want 1", got)
	}
	st, err := m.Status(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != result.StatusPaused {
		t.Errorf("got %v, want paused", st.Status)
	}

	if err := m.Resume(run.ID); err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusSuccess || calls.Load() != 2 {
		t.Errorf("got %v after %d cycles, want success after 2", final.Status, calls.Load())
	}
}

func TestStopWhilePaused(t *testing.T) {
	var m *lifecycle.Manager
	paused := make(chan string, 1)
	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		if err := m.Pause(c.RunID); err != nil {
			return result.CycleReport{}, err
		}
		paused <- c.RunID
		return result.CycleReport{TasksCompleted: 1}, nil
	})
	m, _ = newManager(t, config.Benchmark{ID: "b"}, runner)
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	<-paused
	if _, err := m.Stop(context.Background(), run.ID, "abandoned"); err != nil {
		t.Fatal(err)
	}
	final := waitRun(t, m, run.ID)
	if final.Status != result.StatusBlocked || final.StopReason != "abandoned" {
		t.Errorf("got %v (%s), want blocked/abandoned", final.Status, final.StopReason)
	}
}

func TestEventsInOrder(t *testing.T) {
	bus := events.NewChannelBus(logging.Discard())
	defer bus.Close()
	ch, unsub := bus.Subscribe()
	defer unsub()

	runner := lifecycle.CycleFunc(func(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
		return result.CycleReport{TasksCompleted: 1, Done: true}, nil
	})
	m, _ := newManager(t, config.Benchmark{ID: "b"}, runner, lifecycle.WithEvents(bus))
	run, err := m.Start(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, m, run.ID)

	want := []events.Type{events.RunStarted, events.CycleStarted, events.CycleCompleted, events.RunCompleted}
	for i, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w || ev.RunID != run.ID {
				t.Errorf("event %d: got %v for %s, want %v", i, ev.Type, ev.RunID, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out waiting for %v", i, w)
		}
	}
}

func TestRecoverFailsOrphanedRuns(t *testing.T) {
	m, s := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(nil))
	ctx := context.Background()
	orphan := &result.Run{ID: "orphan", ConfigID: "b", Status: result.StatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	n, err := m.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("got %d recovered, want 1", n)
	}
	got, err := s.GetRun(ctx, "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != result.StatusFailed || got.StopReason == "" {
		t.Errorf("got %v (%q), want failed with a reason", got.Status, got.StopReason)
	}
	// Stop on a finished run returns it unchanged.
	stopped, err := m.Stop(ctx, "orphan", "")
	if err != nil {
		t.Fatalf("Stop on finished run: %v", err)
	}
	if stopped.Status != result.StatusFailed {
		t.Errorf("got %v, want the stored failed run", stopped.Status)
	}
}

func TestStartUnknownConfig(t *testing.T) {
	m, _ := newManager(t, config.Benchmark{ID: "b"}, blockingRunner(nil))
	if _, err := m.Start(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
