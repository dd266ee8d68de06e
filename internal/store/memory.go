package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/work"
)

// Memory is an in-process Store. Values are copied on the way in and out so
// callers never share state with the store.
type Memory struct {
	mu         sync.RWMutex
	configs    map[string]config.Benchmark
	configIDs  []string
	runs       map[string]result.Run
	units      map[string]work.Unit
	unitIDs    []string
	criteria   map[string]work.Criterion
	critIDs    []string
	iterations map[string]work.Iteration
}

func NewMemory() *Memory {
	return &Memory{
		configs:    map[string]config.Benchmark{},
		runs:       map[string]result.Run{},
		units:      map[string]work.Unit{},
		criteria:   map[string]work.Criterion{},
		iterations: map[string]work.Iteration{},
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

func (m *Memory) PutConfig(_ context.Context, b *config.Benchmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[b.ID]; !ok {
		m.configIDs = append(m.configIDs, b.ID)
	}
	m.configs[b.ID] = *b
	return nil
}

func (m *Memory) GetConfig(_ context.Context, id string) (*config.Benchmark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.configs[id]
	if !ok {
		return nil, notFound("config", id)
	}
	return &b, nil
}

func (m *Memory) ListConfigs(_ context.Context) ([]*config.Benchmark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*config.Benchmark, 0, len(m.configIDs))
	for _, id := range m.configIDs {
		b := m.configs[id]
		out = append(out, &b)
	}
	return out, nil
}

func (m *Memory) CreateRun(_ context.Context, run *result.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*result.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	return &r, nil
}

func (m *Memory) ListRuns(_ context.Context, configID string) ([]*result.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*result.Run
	for _, r := range m.runs {
		if configID != "" && r.ConfigID != configID {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *result.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return notFound("run", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) CreateUnit(_ context.Context, u *work.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; ok {
		return fmt.Errorf("unit %q already exists", u.ID)
	}
	if u.Status == "" {
		u.Status = work.UnitPending
	}
	u.UpdatedAt = now()
	m.units[u.ID] = *u
	m.unitIDs = append(m.unitIDs, u.ID)
	return nil
}

func (m *Memory) GetUnit(_ context.Context, id string) (*work.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, notFound("unit", id)
	}
	return &u, nil
}

func (m *Memory) ListUnits(_ context.Context, runID string) ([]*work.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*work.Unit
	for _, id := range m.unitIDs {
		u := m.units[id]
		if u.RunID == runID {
			out = append(out, &u)
		}
	}
	return out, nil
}

func (m *Memory) UpdateUnit(_ context.Context, u *work.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[u.ID]; !ok {
		return notFound("unit", u.ID)
	}
	u.UpdatedAt = now()
	m.units[u.ID] = *u
	return nil
}

func (m *Memory) UpdateUnitStatus(_ context.Context, id string, status work.UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return notFound("unit", id)
	}
	u.Status = status
	u.UpdatedAt = now()
	m.units[id] = u
	return nil
}

func (m *Memory) CreateCriterion(_ context.Context, c *work.Criterion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.criteria[c.ID]; ok {
		return fmt.Errorf("criterion %q already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = work.CriterionPending
	}
	c.UpdatedAt = now()
	m.criteria[c.ID] = *c
	m.critIDs = append(m.critIDs, c.ID)
	return nil
}

func (m *Memory) GetCriterion(_ context.Context, id string) (*work.Criterion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.criteria[id]
	if !ok {
		return nil, notFound("criterion", id)
	}
	return &c, nil
}

func (m *Memory) ListCriteria(_ context.Context, unitID string) ([]*work.Criterion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*work.Criterion
	for _, id := range m.critIDs {
		c := m.criteria[id]
		if c.UnitID == unitID {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) UpdateCriterionStatus(_ context.Context, id string, status work.CriterionStatus, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.criteria[id]
	if !ok {
		return notFound("criterion", id)
	}
	c.Status = status
	if notes != "" {
		c.Notes = notes
	}
	c.UpdatedAt = now()
	m.criteria[id] = c
	return nil
}

func (m *Memory) CriteriaCounts(ctx context.Context, unitID string) (work.Counts, error) {
	criteria, err := m.ListCriteria(ctx, unitID)
	if err != nil {
		return work.Counts{}, err
	}
	return CountCriteria(criteria), nil
}

func (m *Memory) CreateIteration(_ context.Context, it *work.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.iterations[it.ID]; ok {
		return fmt.Errorf("iteration %q already exists", it.ID)
	}
	for _, existing := range m.iterations {
		if existing.UnitID == it.UnitID && existing.Sequence == it.Sequence {
			return fmt.Errorf("iteration %d for unit %q already exists", it.Sequence, it.UnitID)
		}
	}
	m.iterations[it.ID] = *it
	return nil
}

func (m *Memory) ListIterations(_ context.Context, unitID string) ([]*work.Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*work.Iteration
	for _, it := range m.iterations {
		if it.UnitID == unitID {
			it := it
			out = append(out, &it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (m *Memory) UpdateIteration(_ context.Context, it *work.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.iterations[it.ID]; !ok {
		return notFound("iteration", it.ID)
	}
	m.iterations[it.ID] = *it
	return nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
