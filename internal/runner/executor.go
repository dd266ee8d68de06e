// Package runner executes benchmark cycles: it hands units of work to the
// agent, drives auto-iteration and review, and reports what the cycle
// achieved.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/gitops"
	"github.com/signalnine/benchloop/internal/iteration"
	"github.com/signalnine/benchloop/internal/lifecycle"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/pricing"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/review"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/validation"
	"github.com/signalnine/benchloop/internal/work"
)

type Option func(*CycleExecutor)

// WithReview enables the review gate for benchmarks whose config, or the
// global default, asks for it.
func WithReview(g *review.Gate, global config.Review) Option {
	return func(e *CycleExecutor) {
		e.gate = g
		e.reviewCfg = global
	}
}

func WithPricing(t *pricing.Table, provider string) Option {
	return func(e *CycleExecutor) {
		e.prices = t
		e.provider = provider
	}
}

// WithEnv adds variables to every agent session.
func WithEnv(env map[string]string) Option {
	return func(e *CycleExecutor) { e.env = env }
}

func WithTestTimeout(d time.Duration) Option {
	return func(e *CycleExecutor) { e.testTimeout = d }
}

func WithEvents(p events.Publisher) Option {
	return func(e *CycleExecutor) { e.events = p }
}

// CycleExecutor is the default lifecycle.CycleRunner.
type CycleExecutor struct {
	store       store.Store
	agents      agent.Runner
	engine      *validation.Engine
	controller  *iteration.Controller
	gate        *review.Gate
	reviewCfg   config.Review
	prices      *pricing.Table
	provider    string
	env         map[string]string
	testTimeout time.Duration
	events      events.Publisher
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is what a re-spawn needs to know about the unit's run.
type runState struct {
	cycle    lifecycle.Cycle
	sessions map[string]int
}

func NewCycleExecutor(s store.Store, agents agent.Runner, engine *validation.Engine, logger *slog.Logger, opts ...Option) *CycleExecutor {
	e := &CycleExecutor{
		store:    s,
		agents:   agents,
		engine:   engine,
		prices:   pricing.Default(),
		provider: "anthropic",
		events:   events.Nop{},
		logger:   logging.OrDefault(logger),
		runs:     make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.controller = iteration.NewController(s, engine, e, e.logger,
		iteration.WithEvents(e.events),
		iteration.WithChangeLister(func(ctx context.Context, dir string) ([]string, error) {
			return gitops.New(dir).ChangedFiles(ctx)
		}),
	)
	return e
}

// Controller exposes the iteration controller so callers can cancel units.
func (e *CycleExecutor) Controller() *iteration.Controller { return e.controller }

type unitReport struct {
	completed bool
	costUSD   float64
}

func (e *CycleExecutor) RunCycle(ctx context.Context, c lifecycle.Cycle) (result.CycleReport, error) {
	start := time.Now()
	rep := result.CycleReport{Cycle: c.Number}
	log := e.logger.With("run_id", c.RunID, "cycle", c.Number)
	e.track(c)

	units, err := e.ensureUnits(ctx, c)
	if err != nil {
		return rep, err
	}
	selected := selectUnits(units, c.Config.Parallel)
	if len(selected) == 0 {
		rep.Done = true
		rep.Outcome, rep.Reason = settled(c.RunID, units)
		log.Info("no runnable units left", "outcome", rep.Outcome, "reason", rep.Reason)
		rep.Duration = time.Since(start)
		return rep, nil
	}

	var mu sync.Mutex
	jobs := make([]Job, 0, len(selected))
	for _, u := range selected {
		jobs = append(jobs, func(ctx context.Context) error {
			ur, err := e.runUnit(ctx, c, u)
			mu.Lock()
			defer mu.Unlock()
			rep.CostUSD += ur.costUSD
			if ur.completed {
				rep.TasksCompleted++
			}
			return err
		})
	}
	errs := RunPool(ctx, c.Config.Parallel, jobs)

	if c.Config.TestCommand != "" && ctx.Err() == nil {
		tr, err := validation.RunTests(ctx, c.WorkDir, c.Config.TestCommand, e.testTimeout)
		if err != nil {
			log.Warn("running test command", "error", err)
		} else {
			rep.TestsPassed, rep.TestsFailed = tr.Passed, tr.Failed
		}
	}

	done, err := e.allDone(ctx, c)
	if err != nil {
		log.Warn("checking remaining work", "error", err)
	}
	rep.Done = done
	rep.Duration = time.Since(start)
	if c.RunDir != "" {
		if err := result.WriteCycleMeta(c.RunDir, &rep); err != nil {
			log.Warn("writing cycle meta", "error", err)
		}
	}
	if len(errs) > 0 {
		return rep, fmt.Errorf("cycle %d: %w", c.Number, errors.Join(errs...))
	}
	return rep, nil
}

func (e *CycleExecutor) allDone(ctx context.Context, c lifecycle.Cycle) (bool, error) {
	units, err := e.store.ListUnits(ctx, c.RunID)
	if err != nil {
		return false, err
	}
	if len(c.Config.Units) == 0 && c.Config.SpecFile != "" {
		path := c.Config.SpecFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.WorkDir, path)
		}
		pct, err := lifecycle.SpecFileCompletion(path)
		if err != nil {
			return false, err
		}
		return pct >= 100, nil
	}
	for _, u := range units {
		if u.Status != work.UnitCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (e *CycleExecutor) track(c lifecycle.Cycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[c.RunID]
	if !ok {
		rs = &runState{sessions: make(map[string]int)}
		e.runs[c.RunID] = rs
	}
	rs.cycle = c
}

// Forget drops per-run state once the run has finished.
func (e *CycleExecutor) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

func (e *CycleExecutor) state(runID string) (lifecycle.Cycle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		return lifecycle.Cycle{}, false
	}
	return rs.cycle, true
}

func (e *CycleExecutor) nextSession(runID, unitID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		return 1
	}
	rs.sessions[unitID]++
	return rs.sessions[unitID]
}

// runUnit takes one unit through spawn, auto-iteration, review and
// artifacts. The returned error is reserved for failures that make the
// cycle itself fail, such as an agent that cannot be started.
func (e *CycleExecutor) runUnit(ctx context.Context, c lifecycle.Cycle, u *work.Unit) (unitReport, error) {
	var ur unitReport
	log := e.logger.With("run_id", c.RunID, "unit_id", u.ID, "cycle", c.Number)
	if c.SetUnit != nil {
		c.SetUnit(u.ID)
	}
	defer e.controller.Forget(u.ID)

	u.Status = work.UnitInProgress
	if err := e.store.UpdateUnit(ctx, u); err != nil {
		return ur, fmt.Errorf("marking %s in progress: %w", u.ID, err)
	}

	res, err := e.spawnAndWait(ctx, c, u, unitPrompt(u), "")
	ur.costUSD += SessionCost(res, e.prices, e.provider, c.Config.Model)
	if err != nil {
		e.setStatus(ctx, u, work.UnitFailed, log)
		return ur, err
	}
	log.Info("agent session ended", "exit_reason", ExitReasonFromCode(res.ExitCode, false), "turns", res.NumTurns)

	out, err := e.iterate(ctx, c, u, res, &ur)
	if err != nil {
		var spawnErr *agent.SpawnError
		if errors.As(err, &spawnErr) {
			return ur, err
		}
		log.Error("auto-iteration failed", "error", err)
		e.setStatus(ctx, u, work.UnitFailed, log)
		return ur, nil
	}

	e.settle(ctx, c, u, res, out, log)
	ur.completed = u.Status == work.UnitCompleted
	e.writeOutcome(c, u, out, log)
	return ur, nil
}

// iterate feeds session exits to the controller until it stops re-spawning.
func (e *CycleExecutor) iterate(ctx context.Context, c lifecycle.Cycle, u *work.Unit, res agent.Result, ur *unitReport) (iteration.Outcome, error) {
	exitCode := res.ExitCode
	for {
		out, err := e.controller.OnSessionExit(ctx, u, exitCode, c.WorkDir)
		if out.Action == iteration.ActionRespawned {
			ur.costUSD += SessionCost(out.Session, e.prices, e.provider, c.Config.Model)
		}
		if err != nil {
			return out, err
		}
		if out.Action != iteration.ActionRespawned {
			out.Session = res
			return out, nil
		}
		res = out.Session
		exitCode = res.ExitCode
	}
}

// settle moves the unit to its status for this cycle from the final
// controller outcome.
func (e *CycleExecutor) settle(ctx context.Context, c lifecycle.Cycle, u *work.Unit, res agent.Result, out iteration.Outcome, log *slog.Logger) {
	switch out.Action {
	case iteration.ActionCancelled, iteration.ActionApprovalRequired:
		return
	case iteration.ActionFailed:
		e.setStatus(ctx, u, work.UnitFailed, log)
		return
	case iteration.ActionMaxReached:
		e.onMaxReached(ctx, c, u, out, log)
		return
	case iteration.ActionCompleted:
		e.accept(ctx, c, u, out.ManualPending, log)
		return
	}

	// The controller took no action: a failed session, auto-iteration off or
	// no criteria.
	if res.ExitCode != 0 || res.IsError {
		e.setStatus(ctx, u, work.UnitFailed, log)
		return
	}
	sum, err := e.engine.Verify(ctx, validation.Request{UnitID: u.ID, WorkDir: c.WorkDir, StopOnFirstFailure: u.Policy.StopOnFirstFailure})
	if err != nil {
		log.Error("verifying unit", "error", err)
		e.setStatus(ctx, u, work.UnitFailed, log)
		return
	}
	if !sum.AutoCriteriaPassed {
		u.Feedback = sum.FailureSummary()
		e.setStatus(ctx, u, work.UnitNeedsReview, log)
		return
	}
	e.accept(ctx, c, u, sum.ManualPending, log)
}

func (e *CycleExecutor) onMaxReached(ctx context.Context, c lifecycle.Cycle, u *work.Unit, out iteration.Outcome, log *slog.Logger) {
	switch out.OnMax {
	case work.OnMaxAsk:
		// The controller already parked the unit for a human.
	case work.OnMaxBranch:
		summary := ""
		if out.Verification != nil {
			summary = out.Verification.FailureSummary()
		}
		branch, err := gitops.BranchFailedWork(ctx, c.WorkDir, u.ID, summary)
		if err != nil {
			log.Warn("branching failed work", "error", err)
		} else {
			log.Info("failed work saved to branch", "branch", branch)
			u.Feedback = "Previous attempt saved on branch " + branch
		}
		e.setStatus(ctx, u, work.UnitFailed, log)
	default:
		e.setStatus(ctx, u, work.UnitFailed, log)
	}
}

// accept completes a unit whose automatic criteria passed, after review
// when enabled. Pending manual criteria leave it for a human.
func (e *CycleExecutor) accept(ctx context.Context, c lifecycle.Cycle, u *work.Unit, manualPending int, log *slog.Logger) {
	if manualPending > 0 {
		log.Info("awaiting manual criteria", "manual_pending", manualPending)
		u.Feedback = ""
		e.setStatus(ctx, u, work.UnitNeedsReview, log)
		return
	}
	if e.gate == nil || !c.Config.ReviewEnabled(e.reviewCfg) {
		u.Feedback = ""
		e.setStatus(ctx, u, work.UnitCompleted, log)
		return
	}

	testsPassed, testOutput := true, ""
	if c.Config.TestCommand != "" {
		tr, err := validation.RunTests(ctx, c.WorkDir, c.Config.TestCommand, e.testTimeout)
		if err != nil {
			log.Warn("running tests for review", "error", err)
			testsPassed = false
		} else {
			testsPassed, testOutput = tr.ExitCode == 0 && !tr.TimedOut, tr.Output
		}
	}
	v, err := e.gate.Review(ctx, review.Request{
		RunID:       c.RunID,
		UnitID:      u.ID,
		WorkDir:     c.WorkDir,
		Task:        u.Prompt,
		TestsPassed: testsPassed,
		TestOutput:  testOutput,
	})
	if err != nil {
		// No diff to judge: leave the decision to a human.
		log.Warn("review unavailable, deferring to manual review", "error", err)
		u.Feedback = ""
		e.setStatus(ctx, u, work.UnitNeedsReview, log)
		return
	}
	if c.RunDir != "" {
		path := filepath.Join(result.UnitDir(c.RunDir, c.Number, u.ID), "review.json")
		if err := result.WriteJSON(path, v); err != nil {
			log.Warn("writing review", "error", err)
		}
	}

	switch v.Decision {
	case review.Approve:
		u.Feedback = ""
		if v.AutoMerge || c.Config.ReviewAutoApprove {
			e.setStatus(ctx, u, work.UnitCompleted, log)
		} else {
			e.setStatus(ctx, u, work.UnitNeedsReview, log)
		}
	case review.NeedsChanges:
		u.Feedback = ReviewFeedback(v)
		e.setStatus(ctx, u, work.UnitNeedsReview, log)
	default:
		u.Feedback = v.Justification
		e.setStatus(ctx, u, work.UnitFailed, log)
	}
}

// ReviewFeedback renders a needs_changes verdict as guidance for the next
// attempt.
func ReviewFeedback(v review.Verdict) string {
	var b strings.Builder
	if v.Justification != "" {
		b.WriteString(v.Justification)
		b.WriteString("\n")
	}
	if len(v.Concerns) > 0 {
		b.WriteString("\nConcerns:\n")
		for _, c := range v.Concerns {
			b.WriteString("- " + c + "\n")
		}
	}
	if len(v.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range v.Suggestions {
			b.WriteString("- " + s + "\n")
		}
	}
	if b.Len() == 0 {
		return "The reviewer asked for changes without details."
	}
	return strings.TrimSpace(b.String())
}

func (e *CycleExecutor) setStatus(ctx context.Context, u *work.Unit, status work.UnitStatus, log *slog.Logger) {
	u.Status = status
	if err := e.store.UpdateUnit(context.WithoutCancel(ctx), u); err != nil {
		log.Warn("updating unit", "status", status, "error", err)
	}
}

// Respawn implements iteration.Respawner using the unit's run settings.
func (e *CycleExecutor) Respawn(ctx context.Context, u *work.Unit, prompt string) (agent.Result, error) {
	c, ok := e.state(u.RunID)
	if !ok {
		return agent.Result{}, &agent.SpawnError{Op: "respawn", Err: fmt.Errorf("run %s is not executing", u.RunID)}
	}
	return e.spawnAndWait(ctx, c, u, prompt, u.SessionID)
}

func (e *CycleExecutor) spawnAndWait(ctx context.Context, c lifecycle.Cycle, u *work.Unit, prompt, resume string) (agent.Result, error) {
	cfg := c.Config
	opts := agent.SpawnOptions{
		WorkDir:         c.WorkDir,
		Prompt:          prompt,
		SystemPrompt:    cfg.SystemPrompt,
		Model:           cfg.Model,
		MaxTurns:        cfg.MaxTurns,
		ResumeSessionID: resume,
		PermissionMode:  agent.PermissionFor(cfg.DangerousAutoApprove),
		AllowedTools:    cfg.AllowedTools,
		DisallowedTools: cfg.DisallowedTools,
		Env:             e.env,
	}
	if c.RunDir != "" {
		n := e.nextSession(c.RunID, u.ID)
		path := filepath.Join(result.UnitDir(c.RunDir, c.Number, u.ID), fmt.Sprintf("session-%d.jsonl", n))
		if f, err := createArtifact(path); err != nil {
			e.logger.Warn("opening transcript", "unit_id", u.ID, "error", err)
		} else {
			defer f.Close()
			opts.Transcript = f
		}
	}

	s, err := e.agents.Spawn(ctx, opts)
	if err != nil {
		return agent.Result{}, err
	}
	res, err := agent.Wait(ctx, s)
	if err != nil {
		return res, fmt.Errorf("waiting for agent on %s: %w", u.ID, err)
	}
	if res.Err != nil {
		return res, res.Err
	}
	if res.SessionID != "" && res.SessionID != u.SessionID {
		u.SessionID = res.SessionID
		if err := e.store.UpdateUnit(ctx, u); err != nil {
			e.logger.Warn("recording session id", "unit_id", u.ID, "error", err)
		}
	}
	return res, nil
}

func createArtifact(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

type unitOutcome struct {
	Unit      *work.Unit       `json:"unit"`
	Action    iteration.Action `json:"action"`
	Reason    string           `json:"reason,omitempty"`
	Iteration *work.Iteration  `json:"iteration,omitempty"`
	Session   agent.Result     `json:"session"`
	Exit      string           `json:"exit_reason"`
}

func (e *CycleExecutor) writeOutcome(c lifecycle.Cycle, u *work.Unit, out iteration.Outcome, log *slog.Logger) {
	if c.RunDir == "" {
		return
	}
	dir := result.UnitDir(c.RunDir, c.Number, u.ID)
	if err := result.WriteJSON(filepath.Join(dir, "outcome.json"), unitOutcome{
		Unit:      u,
		Action:    out.Action,
		Reason:    out.Reason,
		Iteration: out.Iteration,
		Session:   out.Session,
		Exit:      ExitReasonFromCode(out.Session.ExitCode, false),
	}); err != nil {
		log.Warn("writing unit outcome", "error", err)
	}
	if gitops.New(c.WorkDir).IsRepo(context.Background()) {
		diff, err := gitops.CaptureChanges(c.WorkDir)
		if err != nil {
			log.Warn("capturing changes", "error", err)
			return
		}
		if err := result.WriteArtifact(filepath.Join(dir, "diff.patch"), diff); err != nil {
			log.Warn("writing diff.patch", "error", err)
		}
	}
}
