package review_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/gitops"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/review"
)

func stubDiff(ctx context.Context, dir string) (*gitops.Diff, error) {
	return &gitops.Diff{
		Base:  "abc123",
		Text:  "diff --git a/main.go b/main.go\n+func Hello() {}\n",
		Stats: gitops.Stats{Files: 1, Insertions: 1},
	}, nil
}

func TestReviewProseFallsBackToHeuristic(t *testing.T) {
	runner := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		return agent.Result{Text: "The change looks reasonable and the tests pass."}, nil
	})
	g := review.NewGate(runner, logging.Discard(), review.WithDiff(stubDiff))

	v, err := g.Review(context.Background(), review.Request{WorkDir: t.TempDir(), Task: "add Hello", TestsPassed: true})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if v.Decision != review.Approve || v.Confidence != 0.8 || !v.AutoMerge {
		t.Errorf("got %+v, want approve/0.8/autoMerge", v)
	}
}

func TestReviewUsesParsedVerdict(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("Always wrap errors."), 0o644); err != nil {
		t.Fatal(err)
	}
	var prompt string
	var maxTurns int
	runner := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		prompt, maxTurns = opts.Prompt, opts.MaxTurns
		return agent.Result{Text: "```json\n{\"decision\":\"needs_changes\",\"concerns\":[\"unwrapped error\"],\"confidence\":0.65}\n```"}, nil
	})
	bus := events.NewChannelBus(logging.Discard())
	defer bus.Close()
	ch, unsub := bus.Subscribe(events.ReviewCompleted)
	defer unsub()

	g := review.NewGate(runner, logging.Discard(), review.WithDiff(stubDiff), review.WithEvents(bus))
	v, err := g.Review(context.Background(), review.Request{RunID: "r1", UnitID: "r1.u1", WorkDir: dir, Task: "add Hello", TestsPassed: true})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if v.Decision != review.NeedsChanges || v.Heuristic || v.Confidence != 0.65 {
		t.Errorf("got %+v, want parsed needs_changes", v)
	}
	if maxTurns != 1 {
		t.Errorf("got max turns %d, want 1", maxTurns)
	}
	for _, want := range []string{"add Hello", "+func Hello() {}", "Always wrap errors.", "1 files changed"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	select {
	case ev := <-ch:
		p := ev.Payload.(events.ReviewPayload)
		if p.UnitID != "r1.u1" || p.Decision != "needs_changes" {
			t.Errorf("got payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no review event")
	}
}

func TestReviewDiffUnavailableIsHardFailure(t *testing.T) {
	var spawned atomic.Bool
	runner := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		spawned.Store(true)
		return agent.Result{}, nil
	})
	g := review.NewGate(runner, logging.Discard(), review.WithDiff(func(ctx context.Context, dir string) (*gitops.Diff, error) {
		return nil, gitops.ErrDiffUnavailable
	}))
	_, err := g.Review(context.Background(), review.Request{WorkDir: t.TempDir(), TestsPassed: true})
	if !errors.Is(err, gitops.ErrDiffUnavailable) {
		t.Fatalf("got %v, want ErrDiffUnavailable", err)
	}
	if spawned.Load() {
		t.Error("reviewer spawned without a diff")
	}
}

func TestReviewSpawnErrorFallsBack(t *testing.T) {
	runner := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		return agent.Result{}, errors.New("binary not found")
	})
	g := review.NewGate(runner, logging.Discard(), review.WithDiff(stubDiff))
	v, err := g.Review(context.Background(), review.Request{WorkDir: t.TempDir(), TestsPassed: false})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !v.Heuristic || v.Decision != review.NeedsChanges {
		t.Errorf("got %+v, want heuristic needs_changes", v)
	}
}

type hangingRunner struct {
	killed atomic.Bool
}

func (r *hangingRunner) Spawn(ctx context.Context, opts agent.SpawnOptions) (agent.Session, error) {
	var s *agent.LiveSession
	s = agent.NewSession(func() error {
		r.killed.Store(true)
		s.Finish(agent.Result{ExitCode: 137})
		return nil
	})
	s.Emit(agent.Event{Kind: agent.EventText, Text: "Thinking about"})
	return s, nil
}

func TestReviewTimeoutKillsReviewer(t *testing.T) {
	r := &hangingRunner{}
	g := review.NewGate(r, logging.Discard(), review.WithDiff(stubDiff), review.WithTimeout(50*time.Millisecond))
	v, err := g.Review(context.Background(), review.Request{WorkDir: t.TempDir(), TestsPassed: true})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !r.killed.Load() {
		t.Error("reviewer not killed")
	}
	if !v.Heuristic || v.Decision != review.Approve {
		t.Errorf("got %+v, want heuristic approve", v)
	}
}

func TestReviewCancelKillsReviewer(t *testing.T) {
	r := &hangingRunner{}
	g := review.NewGate(r, logging.Discard(), review.WithDiff(stubDiff))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v, err := g.Review(ctx, review.Request{WorkDir: t.TempDir(), TestsPassed: false})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if !r.killed.Load() {
		t.Error("reviewer not killed")
	}
	if v.Decision != review.NeedsChanges {
		t.Errorf("got %+v, want needs_changes", v)
	}
}

func TestReviewAgainstRealRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.name=t", "-c", "user.email=t@example.com"}, args...)...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	gitCmd("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd("add", "a.txt")
	gitCmd("commit", "-q", "-m", "initial")
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var prompt string
	runner := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		prompt = opts.Prompt
		return agent.Result{Text: `{"decision":"approve","auto_merge":false}`}, nil
	})
	v, err := review.NewGate(runner, logging.Discard()).Review(context.Background(), review.Request{WorkDir: dir, Task: "add b", TestsPassed: true})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if v.Decision != review.Approve || v.AutoMerge {
		t.Errorf("got %+v", v)
	}
	if !strings.Contains(prompt, "+new file") {
		t.Errorf("prompt missing untracked file diff:\n%s", prompt)
	}
}

func TestLoadConventions(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("x", review.MaxConventionChars+100)
	for name, body := range map[string]string{"A.md": long, "B.md": "b", "C.md": "c"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	docs := review.LoadConventions(dir, []string{"missing.md", "A.md", "B.md", "C.md"})
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].Name != "A.md" || docs[1].Name != "B.md" {
		t.Errorf("got %s, %s", docs[0].Name, docs[1].Name)
	}
	if !strings.HasSuffix(docs[0].Text, "[truncated]") || len(docs[0].Text) > review.MaxConventionChars+20 {
		t.Errorf("convention not truncated: %d chars", len(docs[0].Text))
	}
}

// streamRunner hands out a live session that emits its text from a
// goroutine and finishes afterwards, as the CLI runtime does.
type streamRunner struct {
	text string
}

func (r streamRunner) Spawn(ctx context.Context, opts agent.SpawnOptions) (agent.Session, error) {
	s := agent.NewSession(nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Emit(agent.Event{Kind: agent.EventText, Text: r.text})
		time.Sleep(20 * time.Millisecond)
		s.Finish(agent.Result{})
	}()
	return s, nil
}

func TestReviewStreamedSessionReturns(t *testing.T) {
	runner := streamRunner{text: `{"decision":"reject","justification":"breaks the build","confidence":0.9}`}
	g := review.NewGate(runner, logging.Discard(), review.WithDiff(stubDiff), review.WithTimeout(500*time.Millisecond))

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		dir := t.TempDir()
		done := make(chan struct{})
		var v review.Verdict
		var err error
		go func() {
			defer close(done)
			v, err = g.Review(ctx, review.Request{WorkDir: dir, Task: "add Hello"})
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			cancel()
			t.Fatal("Review did not return after the session finished")
		}
		cancel()
		if err != nil {
			t.Fatalf("Review: %v", err)
		}
		if v.Decision != review.Reject || v.Heuristic {
			t.Errorf("got %+v, want parsed reject", v)
		}
	}
}
