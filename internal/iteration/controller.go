// Package iteration decides, after an agent session ends cleanly, whether to
// verify the unit and send the agent back in with the failures.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/validation"
	"github.com/signalnine/benchloop/internal/work"
)

type Action string

const (
	ActionNone             Action = "none"
	ActionMaxReached       Action = "max_reached"
	ActionApprovalRequired Action = "approval_required"
	ActionCompleted        Action = "completed"
	ActionFailed           Action = "failed"
	ActionRespawned        Action = "respawned"
	ActionCancelled        Action = "cancelled"
)

type Outcome struct {
	Action        Action
	Reason        string
	Iteration     *work.Iteration
	Verification  *validation.Summary
	OnMax         work.OnMaxReached
	ManualPending int
	// Session is the re-spawned session's result for ActionRespawned.
	Session agent.Result
	Err     error
}

type Store interface {
	UpdateUnit(ctx context.Context, u *work.Unit) error
	UpdateUnitStatus(ctx context.Context, id string, status work.UnitStatus) error
	CriteriaCounts(ctx context.Context, unitID string) (work.Counts, error)
	CreateIteration(ctx context.Context, it *work.Iteration) error
	ListIterations(ctx context.Context, unitID string) ([]*work.Iteration, error)
	UpdateIteration(ctx context.Context, it *work.Iteration) error
}

// Respawner starts a fresh agent session for the unit and waits for it.
type Respawner interface {
	Respawn(ctx context.Context, u *work.Unit, prompt string) (agent.Result, error)
}

type Option func(*Controller)

func WithEvents(p events.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithChangeLister records the files an iteration touched.
func WithChangeLister(fn func(ctx context.Context, workDir string) ([]string, error)) Option {
	return func(c *Controller) { c.changes = fn }
}

type Controller struct {
	store     Store
	engine    *validation.Engine
	respawner Respawner
	events    events.Publisher
	changes   func(ctx context.Context, workDir string) ([]string, error)
	logger    *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]chan struct{}
}

func NewController(s Store, engine *validation.Engine, respawner Respawner, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		engine:    engine,
		respawner: respawner,
		events:    events.Nop{},
		logger:    logging.OrDefault(logger),
		locks:     make(map[string]*sync.Mutex),
		cancels:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) unitLock(unitID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[unitID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[unitID] = l
	}
	return l
}

func (c *Controller) cancelChan(unitID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.cancels[unitID]
	if !ok {
		ch = make(chan struct{})
		c.cancels[unitID] = ch
	}
	return ch
}

// Cancel stops any pending or future re-spawn for the unit.
func (c *Controller) Cancel(unitID string) {
	ch := c.cancelChan(unitID)
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Forget drops per-unit state once a unit is finished.
func (c *Controller) Forget(unitID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, unitID)
	delete(c.cancels, unitID)
}

func (c *Controller) cancelled(ctx context.Context, unitID string) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.cancelChan(unitID):
		return true
	default:
		return false
	}
}

// OnSessionExit is called once per agent session exit for the unit. Calls
// for the same unit are serialised.
func (c *Controller) OnSessionExit(ctx context.Context, u *work.Unit, exitCode int, workDir string) (Outcome, error) {
	l := c.unitLock(u.ID)
	l.Lock()
	defer l.Unlock()

	log := c.logger.With("unit_id", u.ID, "run_id", u.RunID)

	if exitCode != 0 {
		return Outcome{Action: ActionNone, Reason: fmt.Sprintf("session exited with code %d", exitCode)}, nil
	}
	policy := u.Policy.WithDefaults()
	if !policy.AutoIterate {
		return Outcome{Action: ActionNone, Reason: "auto-iteration disabled"}, nil
	}
	counts, err := c.store.CriteriaCounts(ctx, u.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("counting criteria for %s: %w", u.ID, err)
	}
	if counts.Total == 0 {
		return Outcome{Action: ActionNone, Reason: "no acceptance criteria"}, nil
	}

	history, err := c.store.ListIterations(ctx, u.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing iterations for %s: %w", u.ID, err)
	}
	done := len(history)
	if done >= policy.MaxIterations {
		return c.maxReached(ctx, u, policy, nil)
	}
	if policy.RequireApprovalAfter > 0 && done >= policy.RequireApprovalAfter {
		if err := c.store.UpdateUnitStatus(ctx, u.ID, work.UnitAwaitingApproval); err != nil {
			return Outcome{}, fmt.Errorf("marking %s awaiting approval: %w", u.ID, err)
		}
		u.Status = work.UnitAwaitingApproval
		c.events.Publish(events.New(events.ApprovalRequired, u.RunID, events.ApprovalPayload{UnitID: u.ID, Iterations: done}))
		log.Info("approval required before further iterations", "iterations", done)
		return Outcome{Action: ActionApprovalRequired, Reason: fmt.Sprintf("approval required after %d iterations", done)}, nil
	}

	it := &work.Iteration{
		ID:        uuid.NewString(),
		UnitID:    u.ID,
		Sequence:  done + 1,
		Status:    work.IterationRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.store.CreateIteration(ctx, it); err != nil {
		return Outcome{}, fmt.Errorf("recording iteration %d for %s: %w", it.Sequence, u.ID, err)
	}
	log = log.With("iteration", it.Sequence)

	sum, verr := c.engine.Verify(ctx, validation.Request{
		UnitID:             u.ID,
		WorkDir:            workDir,
		StopOnFirstFailure: policy.StopOnFirstFailure,
	})
	c.finishIteration(ctx, it, workDir, sum, verr)
	if err := c.store.UpdateIteration(ctx, it); err != nil {
		return Outcome{}, fmt.Errorf("updating iteration %d for %s: %w", it.Sequence, u.ID, err)
	}
	c.events.Publish(events.New(events.IterationRecorded, u.RunID, events.IterationPayload{
		UnitID:   u.ID,
		Sequence: it.Sequence,
		Status:   string(it.Status),
		Max:      policy.MaxIterations,
	}))

	if verr != nil {
		log.Error("verification failed", "error", verr)
		return Outcome{Action: ActionFailed, Iteration: it, Err: verr}, fmt.Errorf("verifying %s: %w", u.ID, verr)
	}
	if sum.AutoCriteriaPassed {
		log.Info("acceptance criteria passed", "manual_pending", sum.ManualPending)
		return Outcome{Action: ActionCompleted, Iteration: it, Verification: sum, ManualPending: sum.ManualPending}, nil
	}

	log.Info("acceptance criteria failed", "failed", len(sum.Failures))
	if it.Sequence >= policy.MaxIterations {
		out, err := c.maxReached(ctx, u, policy, it)
		out.Verification = sum
		return out, err
	}
	return c.respawn(ctx, u, policy, it, sum, log)
}

func (c *Controller) finishIteration(ctx context.Context, it *work.Iteration, workDir string, sum *validation.Summary, verr error) {
	it.FinishedAt = time.Now().UTC()
	it.DurationMs = it.FinishedAt.Sub(it.StartedAt).Milliseconds()
	switch {
	case verr != nil:
		it.Status = work.IterationFailed
		it.Error = verr.Error()
	case sum.AutoCriteriaPassed:
		it.Status = work.IterationCompleted
	default:
		it.Status = work.IterationFailed
	}
	if sum != nil {
		it.Results = sum.Results
	}
	if c.changes != nil {
		files, err := c.changes(ctx, workDir)
		if err != nil {
			c.logger.Warn("listing changed files", "unit_id", it.UnitID, "error", err)
		}
		it.FilesChanged = files
	}
}

func (c *Controller) maxReached(ctx context.Context, u *work.Unit, policy work.IterationPolicy, it *work.Iteration) (Outcome, error) {
	if policy.OnMaxReached == work.OnMaxAsk {
		if err := c.store.UpdateUnitStatus(ctx, u.ID, work.UnitAwaitingApproval); err != nil {
			return Outcome{}, fmt.Errorf("marking %s awaiting approval: %w", u.ID, err)
		}
		u.Status = work.UnitAwaitingApproval
	}
	c.events.Publish(events.New(events.MaxIterationsReached, u.RunID, events.MaxIterationsPayload{
		UnitID: u.ID,
		Max:    policy.MaxIterations,
		OnMax:  string(policy.OnMaxReached),
	}))
	c.logger.Warn("max iterations reached", "unit_id", u.ID, "run_id", u.RunID, "max", policy.MaxIterations, "on_max", policy.OnMaxReached)
	return Outcome{
		Action:    ActionMaxReached,
		Reason:    fmt.Sprintf("reached %d iterations", policy.MaxIterations),
		Iteration: it,
		OnMax:     policy.OnMaxReached,
	}, nil
}

func (c *Controller) respawn(ctx context.Context, u *work.Unit, policy work.IterationPolicy, it *work.Iteration, sum *validation.Summary, log *slog.Logger) (Outcome, error) {
	out := Outcome{Iteration: it, Verification: sum}
	if c.cancelled(ctx, u.ID) {
		out.Action = ActionCancelled
		return out, nil
	}
	if d := policy.Pause(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
		case <-c.cancelChan(u.ID):
		}
		t.Stop()
	}
	if c.cancelled(ctx, u.ID) {
		out.Action = ActionCancelled
		return out, nil
	}

	prompt := RespawnPrompt(u.Prompt, sum.FailureSummary(), it.Sequence+1, policy.MaxIterations)
	u.Status = work.UnitInProgress
	if err := c.store.UpdateUnit(ctx, u); err != nil {
		return Outcome{}, fmt.Errorf("marking %s in progress: %w", u.ID, err)
	}
	log.Info("re-spawning agent", "next_iteration", it.Sequence+1)

	res, err := c.respawner.Respawn(ctx, u, prompt)
	if err != nil {
		var spawnErr *agent.SpawnError
		if errors.As(err, &spawnErr) {
			if uerr := c.store.UpdateUnitStatus(ctx, u.ID, work.UnitFailed); uerr != nil {
				log.Warn("marking unit failed", "error", uerr)
			}
			u.Status = work.UnitFailed
		}
		out.Action = ActionFailed
		out.Err = err
		return out, fmt.Errorf("re-spawning agent for %s: %w", u.ID, err)
	}
	if res.SessionID != "" && res.SessionID != u.SessionID {
		u.SessionID = res.SessionID
		if err := c.store.UpdateUnit(ctx, u); err != nil {
			log.Warn("recording session id", "error", err)
		}
	}
	out.Action = ActionRespawned
	out.Session = res
	return out, nil
}
