package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/work"
)

// ErrNotManual is returned when a disposition is set on an automatic criterion.
var ErrNotManual = errors.New("criterion is not manual")

// CriteriaStore is the slice of store.Store the engine reads and writes.
type CriteriaStore interface {
	GetCriterion(ctx context.Context, id string) (*work.Criterion, error)
	ListCriteria(ctx context.Context, unitID string) ([]*work.Criterion, error)
	UpdateCriterionStatus(ctx context.Context, id string, status work.CriterionStatus, notes string) error
	CriteriaCounts(ctx context.Context, unitID string) (work.Counts, error)
}

type Request struct {
	UnitID             string
	WorkDir            string
	StopOnFirstFailure bool
}

// Failure pairs a failed automatic criterion with its verifier result.
type Failure struct {
	Criterion *work.Criterion
	Result    work.VerifierResult
}

type Summary struct {
	UnitID             string
	AllPassed          bool
	AutoCriteriaPassed bool
	ManualPending      int
	Skipped            int
	Total              int
	Results            []work.VerifierResult
	Failures           []Failure
}

// Engine verifies every criterion of a unit and persists the outcome.
type Engine struct {
	store    CriteriaStore
	verifier *Verifier
	logger   *slog.Logger
	observe  func(kind work.Kind, passed bool, d time.Duration)
}

type EngineOption func(*Engine)

func WithVerifier(v *Verifier) EngineOption {
	return func(e *Engine) { e.verifier = v }
}

// WithObserver registers a callback invoked after each automatic verifier run.
func WithObserver(fn func(kind work.Kind, passed bool, d time.Duration)) EngineOption {
	return func(e *Engine) { e.observe = fn }
}

func NewEngine(s CriteriaStore, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{store: s, verifier: &Verifier{}, logger: logging.OrDefault(logger)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs each automatic criterion of the unit in order and records
// pass or fail. Manual criteria are never run; a manual criterion not yet
// marked pass keeps AllPassed false. A unit with no criteria passes.
func (e *Engine) Verify(ctx context.Context, req Request) (*Summary, error) {
	criteria, err := e.store.ListCriteria(ctx, req.UnitID)
	if err != nil {
		return nil, fmt.Errorf("listing criteria for %s: %w", req.UnitID, err)
	}
	sum := &Summary{UnitID: req.UnitID, AutoCriteriaPassed: true, Total: len(criteria)}
	stopped := false

	for _, c := range criteria {
		if c.IsManual() {
			if c.Status != work.CriterionPass {
				sum.ManualPending++
			}
			continue
		}
		if stopped {
			sum.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := e.verifier.Run(ctx, c, req.WorkDir)
		sum.Results = append(sum.Results, res)
		if e.observe != nil {
			e.observe(c.Kind, res.Passed, res.Duration)
		}

		status := work.CriterionPass
		notes := ""
		if !res.Passed {
			status = work.CriterionFail
			notes = Truncate(res.Output, 500)
			sum.AutoCriteriaPassed = false
			sum.Failures = append(sum.Failures, Failure{Criterion: c, Result: res})
			if req.StopOnFirstFailure {
				stopped = true
			}
		}
		if err := e.store.UpdateCriterionStatus(ctx, c.ID, status, notes); err != nil {
			return nil, fmt.Errorf("recording criterion %s: %w", c.ID, err)
		}
		e.logger.Debug("criterion verified",
			"unit_id", req.UnitID,
			"criterion_id", c.ID,
			"kind", c.Kind,
			"passed", res.Passed,
			"duration", res.Duration,
		)
	}

	sum.AllPassed = sum.AutoCriteriaPassed && sum.ManualPending == 0
	e.logger.Info("unit verified",
		"unit_id", req.UnitID,
		"criteria", len(criteria),
		"failed", len(sum.Failures),
		"manual_pending", sum.ManualPending,
		"all_passed", sum.AllPassed,
	)
	return sum, nil
}

// SetManualDisposition records a human pass or fail on a manual criterion.
func (e *Engine) SetManualDisposition(ctx context.Context, criterionID string, passed bool, notes string) error {
	c, err := e.store.GetCriterion(ctx, criterionID)
	if err != nil {
		return fmt.Errorf("loading criterion %s: %w", criterionID, err)
	}
	if !c.IsManual() {
		return fmt.Errorf("%s (%s): %w", criterionID, c.Kind, ErrNotManual)
	}
	status := work.CriterionFail
	if passed {
		status = work.CriterionPass
	}
	if err := e.store.UpdateCriterionStatus(ctx, criterionID, status, notes); err != nil {
		return fmt.Errorf("recording disposition for %s: %w", criterionID, err)
	}
	return nil
}

func (e *Engine) Counts(ctx context.Context, unitID string) (work.Counts, error) {
	return e.store.CriteriaCounts(ctx, unitID)
}
