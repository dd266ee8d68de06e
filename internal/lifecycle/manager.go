// Package lifecycle starts, pauses, resumes and stops bounded benchmark
// runs, enforces their budgets between cycles and settles their final
// status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/gitops"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/store"
)

var (
	ErrAlreadyActive = errors.New("benchmark already has an active run")
	ErrNotActive     = errors.New("run is not active")
)

const defaultStopReason = "stopped by user"

// Cycle describes one round of work handed to a CycleRunner.
type Cycle struct {
	RunID   string
	Number  int
	Config  *config.Benchmark
	WorkDir string
	// RunDir is where per-run artifacts go. Empty disables artifacts.
	RunDir string
	// SetUnit records which unit the cycle is working on.
	SetUnit func(unitID string)
}

type CycleRunner interface {
	RunCycle(ctx context.Context, c Cycle) (result.CycleReport, error)
}

type CycleFunc func(ctx context.Context, c Cycle) (result.CycleReport, error)

func (f CycleFunc) RunCycle(ctx context.Context, c Cycle) (result.CycleReport, error) {
	return f(ctx, c)
}

type Option func(*Manager)

func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithResultsDir enables per-run artifact directories under dir.
func WithResultsDir(dir string) Option {
	return func(m *Manager) { m.resultsDir = dir }
}

func WithMinSpecCompletion(pct float64) Option {
	return func(m *Manager) { m.minSpecPct = pct }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	store      store.Store
	cycles     CycleRunner
	events     events.Publisher
	logger     *slog.Logger
	resultsDir string
	minSpecPct float64
	now        func() time.Time
	reg        *registry
}

func NewManager(s store.Store, cycles CycleRunner, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		cycles:     cycles,
		events:     events.Nop{},
		logger:     logging.OrDefault(logger),
		minSpecPct: config.DefaultMinSpecCompletionPct,
		now:        func() time.Time { return time.Now().UTC() },
		reg:        newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates a run for the stored config and launches its cycle loop.
// It returns as soon as the run is registered.
func (m *Manager) Start(ctx context.Context, configID string) (*result.Run, error) {
	cfg, err := m.store.GetConfig(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", configID, err)
	}
	run := &result.Run{
		ID:        uuid.NewString(),
		ConfigID:  configID,
		Status:    result.StatusRunning,
		StartedAt: m.now(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := newActiveRun(run, *cfg, cancel)
	if err := m.reg.insert(a); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", configID, err)
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		m.reg.remove(run.ID)
		m.reg.forgetLoop(run.ID)
		cancel()
		return nil, fmt.Errorf("recording run: %w", err)
	}
	m.events.Publish(events.New(events.RunStarted, run.ID, events.RunStartedPayload{ConfigID: configID}))
	m.logger.Info("run started", "run_id", run.ID, "config_id", configID)

	snap := a.snapshot()
	go m.loop(runCtx, a)
	return &snap, nil
}

func (m *Manager) Pause(runID string) error {
	a, ok := m.reg.get(runID)
	if !ok {
		return fmt.Errorf("pausing %s: %w", runID, ErrNotActive)
	}
	if a.setPaused(true) {
		m.events.Publish(events.New(events.RunPaused, runID, nil))
		m.logger.Info("run paused", "run_id", runID)
	}
	return nil
}

func (m *Manager) Resume(runID string) error {
	a, ok := m.reg.get(runID)
	if !ok {
		return fmt.Errorf("resuming %s: %w", runID, ErrNotActive)
	}
	if a.setPaused(false) {
		m.events.Publish(events.New(events.RunResumed, runID, nil))
		m.logger.Info("run resumed", "run_id", runID)
	}
	return nil
}

// Stop cancels the run's in-flight work and finalizes it as blocked.
// Stopping an already finished run returns the stored terminal run.
func (m *Manager) Stop(ctx context.Context, runID, reason string) (*result.Run, error) {
	if reason == "" {
		reason = defaultStopReason
	}
	a, ok := m.reg.get(runID)
	if !ok {
		run, err := m.store.GetRun(ctx, runID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("stopping %s: %w", runID, ErrNotActive)
		}
		if err != nil {
			return nil, fmt.Errorf("loading run %s: %w", runID, err)
		}
		if !run.Status.Terminal() {
			return nil, fmt.Errorf("stopping %s: %w", runID, ErrNotActive)
		}
		return run, nil
	}
	a.requestStop()
	m.logger.Info("stop requested", "run_id", runID, "reason", reason)
	run := m.finalize(a, result.StatusBlocked, reason)
	return &run, nil
}

// Status returns the live run when active, else the stored one.
func (m *Manager) Status(ctx context.Context, runID string) (*result.Run, error) {
	if a, ok := m.reg.get(runID); ok {
		snap := a.snapshot()
		return &snap, nil
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return run, nil
}

// Active lists live snapshots of every registered run.
func (m *Manager) Active() []result.Run {
	var out []result.Run
	for _, a := range m.reg.list() {
		out = append(out, a.snapshot())
	}
	return out
}

// Wait blocks until the run's loop goroutine has exited.
func (m *Manager) Wait(ctx context.Context, runID string) error {
	done, ok := m.reg.loopDone(runID)
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover fails stored runs left running by a previous process, since no
// loop exists for them any more.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	runs, err := m.store.ListRuns(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing runs: %w", err)
	}
	n := 0
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		if _, ok := m.reg.get(run.ID); ok {
			continue
		}
		run.Finish(result.StatusFailed, "interrupted: process exited before the run finished", m.now())
		if err := m.store.UpdateRun(ctx, run); err != nil {
			return n, fmt.Errorf("recovering run %s: %w", run.ID, err)
		}
		n++
	}
	return n, nil
}

func (m *Manager) loop(ctx context.Context, a *activeRun) {
	runID := a.run.ID
	defer func() {
		close(a.done)
		m.reg.forgetLoop(runID)
	}()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cycle loop panicked", "run_id", runID, "panic", r, "stack", string(debug.Stack()))
			m.finalize(a, result.StatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()
	defer a.cancel()

	status, reason := m.runCycles(ctx, a)
	m.finalize(a, status, reason)
}

func (m *Manager) runCycles(ctx context.Context, a *activeRun) (result.Status, string) {
	log := m.logger.With("run_id", a.run.ID, "config_id", a.cfg.ID)
	workDir, runDir, err := m.prepare(a)
	if err != nil {
		log.Error("preparing workspace", "error", err)
		return result.StatusFailed, err.Error()
	}
	a.mu.Lock()
	a.runDir = runDir
	a.mu.Unlock()

	for n := 1; ; n++ {
		if a.stopping() || ctx.Err() != nil {
			return result.StatusBlocked, defaultStopReason
		}
		if err := a.waitResumed(ctx); err != nil || a.stopping() {
			return result.StatusBlocked, defaultStopReason
		}

		a.setCycle(n)
		m.events.Publish(events.New(events.CycleStarted, a.run.ID, events.CyclePayload{Cycle: n}))
		log.Info("cycle started", "cycle", n)

		rep, err := m.cycles.RunCycle(ctx, Cycle{
			RunID:   a.run.ID,
			Number:  n,
			Config:  &a.cfg,
			WorkDir: workDir,
			RunDir:  runDir,
			SetUnit: a.setUnit,
		})
		if a.stopping() {
			return result.StatusBlocked, defaultStopReason
		}
		if err != nil {
			log.Error("cycle failed", "cycle", n, "error", err)
			return result.StatusFailed, fmt.Sprintf("cycle %d failed: %v", n, err)
		}
		rep.Cycle = n

		run, ok := m.applyCycle(ctx, a, rep, workDir)
		if !ok {
			return result.StatusBlocked, defaultStopReason
		}
		m.events.Publish(events.New(events.CycleCompleted, run.ID, events.CyclePayload{
			Cycle:          n,
			TasksCompleted: rep.TasksCompleted,
			CostUSD:        rep.CostUSD,
			TotalCostUSD:   run.TotalCostUSD,
			SpecPct:        run.SpecCompletionPct,
		}))
		log.Info("cycle completed",
			"cycle", n,
			"tasks_completed", rep.TasksCompleted,
			"cost_usd", rep.CostUSD,
			"total_cost_usd", run.TotalCostUSD,
			"spec_completion_pct", run.SpecCompletionPct,
		)

		if reason, hit := CheckBudgets(&a.cfg, &run, m.now().Sub(a.started)); hit {
			return result.StatusLimitReached, reason
		}
		if rep.Done {
			if rep.Outcome != "" && rep.Outcome != result.StatusSuccess {
				return rep.Outcome, rep.Reason
			}
			return result.StatusSuccess, "all work completed"
		}
	}
}

// applyCycle folds rep into the run and persists it. It reports false when
// the run was finalized meanwhile.
func (m *Manager) applyCycle(ctx context.Context, a *activeRun, rep result.CycleReport, workDir string) (result.Run, bool) {
	pct, pctErr := m.specCompletion(&a.cfg, workDir)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run.Status.Terminal() {
		return *a.run, false
	}
	a.run.Apply(rep)
	if pctErr == nil {
		a.run.SetSpecCompletion(pct)
	} else if a.cfg.SpecFile != "" {
		m.logger.Warn("computing spec completion", "run_id", a.run.ID, "error", pctErr)
	}
	if err := m.store.UpdateRun(context.WithoutCancel(ctx), a.run); err != nil {
		m.logger.Warn("persisting run", "run_id", a.run.ID, "error", err)
	}
	return *a.run, true
}

func (m *Manager) specCompletion(cfg *config.Benchmark, workDir string) (float64, error) {
	if cfg.SpecFile == "" {
		return 0, errors.New("no spec file configured")
	}
	path := cfg.SpecFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	return SpecFileCompletion(path)
}

// prepare creates the run's artifact directory and resolves its workspace,
// cloning the configured repo when there is one.
func (m *Manager) prepare(a *activeRun) (workDir, runDir string, err error) {
	if m.resultsDir != "" {
		runDir, err = result.CreateRunDir(m.resultsDir, a.run.ID)
		if err != nil {
			return "", "", err
		}
	}
	if a.cfg.Repo != "" {
		base := runDir
		if base == "" {
			base = filepath.Join(".", "benchloop-"+a.run.ID)
		}
		workDir = filepath.Join(base, "workspace")
		if err := gitops.CloneAndCheckout(a.cfg.Repo, a.cfg.Tag, workDir); err != nil {
			return "", "", fmt.Errorf("cloning %s@%s: %w", a.cfg.Repo, a.cfg.Tag, err)
		}
		return workDir, runDir, nil
	}
	workDir, err = filepath.Abs(a.cfg.WorkDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving workdir: %w", err)
	}
	return workDir, runDir, nil
}

// finalize settles the run exactly once: downgrade check, terminal write,
// registry removal and the completion event. Later calls return the same
// terminal run.
func (m *Manager) finalize(a *activeRun, status result.Status, reason string) result.Run {
	a.finalizeOnce.Do(func() {
		runID := a.run.ID
		defer m.reg.remove(runID)

		a.mu.Lock()
		status, reason = Downgrade(status, reason, a.run.SpecCompletionPct, a.run.TasksCompleted, m.minSpecPct)
		a.run.Finish(status, reason, m.now())
		if a.paused {
			a.paused = false
			close(a.resume)
		}
		if err := m.store.UpdateRun(context.Background(), a.run); err != nil {
			m.logger.Error("persisting final run", "run_id", runID, "error", err)
		}
		if a.runDir != "" {
			if err := result.WriteRunMeta(a.runDir, a.run); err != nil {
				m.logger.Warn("writing run meta", "run_id", runID, "error", err)
			}
		}
		a.final = *a.run
		a.mu.Unlock()

		m.events.Publish(events.New(events.RunCompleted, runID, events.RunCompletedPayload{
			ConfigID:     a.final.ConfigID,
			Status:       string(a.final.Status),
			Reason:       a.final.StopReason,
			TotalCostUSD: a.final.TotalCostUSD,
			Cycles:       a.final.CyclesCompleted,
		}))
		m.logger.Info("run finished",
			"run_id", runID,
			"status", a.final.Status,
			"reason", a.final.StopReason,
			"cycles", a.final.CyclesCompleted,
			"total_cost_usd", a.final.TotalCostUSD,
		)
	})
	return a.final
}
