// Package store persists benchmark configs, runs, units of work, criteria
// and iterations. Every operation is synchronous and either fully applies or
// returns an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/work"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	PutConfig(ctx context.Context, b *config.Benchmark) error
	GetConfig(ctx context.Context, id string) (*config.Benchmark, error)
	ListConfigs(ctx context.Context) ([]*config.Benchmark, error)

	CreateRun(ctx context.Context, run *result.Run) error
	GetRun(ctx context.Context, id string) (*result.Run, error)
	ListRuns(ctx context.Context, configID string) ([]*result.Run, error)
	UpdateRun(ctx context.Context, run *result.Run) error

	CreateUnit(ctx context.Context, u *work.Unit) error
	GetUnit(ctx context.Context, id string) (*work.Unit, error)
	ListUnits(ctx context.Context, runID string) ([]*work.Unit, error)
	UpdateUnit(ctx context.Context, u *work.Unit) error
	UpdateUnitStatus(ctx context.Context, id string, status work.UnitStatus) error

	CreateCriterion(ctx context.Context, c *work.Criterion) error
	GetCriterion(ctx context.Context, id string) (*work.Criterion, error)
	ListCriteria(ctx context.Context, unitID string) ([]*work.Criterion, error)
	UpdateCriterionStatus(ctx context.Context, id string, status work.CriterionStatus, notes string) error
	CriteriaCounts(ctx context.Context, unitID string) (work.Counts, error)

	CreateIteration(ctx context.Context, it *work.Iteration) error
	ListIterations(ctx context.Context, unitID string) ([]*work.Iteration, error)
	UpdateIteration(ctx context.Context, it *work.Iteration) error

	Close() error
}

// CountCriteria tallies criterion statuses. Backends share it so counts
// agree regardless of storage.
func CountCriteria(criteria []*work.Criterion) work.Counts {
	var c work.Counts
	for _, cr := range criteria {
		c.Total++
		switch cr.Status {
		case work.CriterionPass:
			c.Pass++
		case work.CriterionFail:
			c.Fail++
		default:
			c.Pending++
		}
	}
	return c
}

func now() time.Time {
	return time.Now().UTC()
}
