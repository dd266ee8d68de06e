package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/work"
)

//#######################################################################
// Configs
//#######################################################################

func (s *SQLStore) PutConfig(ctx context.Context, b *config.Benchmark) error {
	entity, err := marshal(b)
	if err != nil {
		return fmt.Errorf("encoding config %q: %w", b.ID, err)
	}
	if _, err := s.exec(ctx, upsertConfigStatement, b.ID, entity); err != nil {
		return fmt.Errorf("storing config %q: %w", b.ID, err)
	}
	return nil
}

func (s *SQLStore) GetConfig(ctx context.Context, id string) (*config.Benchmark, error) {
	var b config.Benchmark
	if err := s.getEntity(ctx, TABLE_CONFIGS, id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLStore) ListConfigs(ctx context.Context) ([]*config.Benchmark, error) {
	var out []*config.Benchmark
	err := s.listEntities(ctx, `SELECT entity FROM configs ORDER BY pos`, func(data []byte) error {
		var b config.Benchmark
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing configs: %w", err)
	}
	return out, nil
}

//#######################################################################
// Runs
//#######################################################################

func (s *SQLStore) CreateRun(ctx context.Context, run *result.Run) error {
	entity, err := marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %q: %w", run.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO runs (id, config_id, status, entity) VALUES (?, ?, ?, ?)`,
		run.ID, run.ConfigID, string(run.Status), entity)
	if err != nil {
		return fmt.Errorf("creating run %q: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*result.Run, error) {
	var r result.Run
	if err := s.getEntity(ctx, TABLE_RUNS, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, configID string) ([]*result.Run, error) {
	query := `SELECT entity FROM runs ORDER BY pos`
	var args []any
	if configID != "" {
		query = `SELECT entity FROM runs WHERE config_id = ? ORDER BY pos`
		args = append(args, configID)
	}
	var out []*result.Run
	err := s.listEntities(ctx, query, func(data []byte) error {
		var r result.Run
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *result.Run) error {
	entity, err := marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %q: %w", run.ID, err)
	}
	return s.execOne(ctx, "run", run.ID, `UPDATE runs SET status = ?, entity = ? WHERE id = ?`,
		string(run.Status), entity, run.ID)
}

//#######################################################################
// Units of work
//#######################################################################

func (s *SQLStore) CreateUnit(ctx context.Context, u *work.Unit) error {
	if u.Status == "" {
		u.Status = work.UnitPending
	}
	u.UpdatedAt = time.Now().UTC()
	entity, err := marshal(u)
	if err != nil {
		return fmt.Errorf("encoding unit %q: %w", u.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO units (id, run_id, status, entity) VALUES (?, ?, ?, ?)`,
		u.ID, u.RunID, string(u.Status), entity)
	if err != nil {
		return fmt.Errorf("creating unit %q: %w", u.ID, err)
	}
	return nil
}

func (s *SQLStore) GetUnit(ctx context.Context, id string) (*work.Unit, error) {
	var u work.Unit
	if err := s.getEntity(ctx, TABLE_UNITS, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) ListUnits(ctx context.Context, runID string) ([]*work.Unit, error) {
	var out []*work.Unit
	err := s.listEntities(ctx, `SELECT entity FROM units WHERE run_id = ? ORDER BY pos`, func(data []byte) error {
		var u work.Unit
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	}, runID)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateUnit(ctx context.Context, u *work.Unit) error {
	u.UpdatedAt = time.Now().UTC()
	entity, err := marshal(u)
	if err != nil {
		return fmt.Errorf("encoding unit %q: %w", u.ID, err)
	}
	return s.execOne(ctx, "unit", u.ID, `UPDATE units SET status = ?, entity = ? WHERE id = ?`,
		string(u.Status), entity, u.ID)
}

func (s *SQLStore) UpdateUnitStatus(ctx context.Context, id string, status work.UnitStatus) error {
	u, err := s.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	u.Status = status
	return s.UpdateUnit(ctx, u)
}

//#######################################################################
// Criteria
//#######################################################################

func (s *SQLStore) CreateCriterion(ctx context.Context, c *work.Criterion) error {
	if c.Status == "" {
		c.Status = work.CriterionPending
	}
	c.UpdatedAt = time.Now().UTC()
	entity, err := marshal(c)
	if err != nil {
		return fmt.Errorf("encoding criterion %q: %w", c.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO criteria (id, unit_id, status, entity) VALUES (?, ?, ?, ?)`,
		c.ID, c.UnitID, string(c.Status), entity)
	if err != nil {
		return fmt.Errorf("creating criterion %q: %w", c.ID, err)
	}
	return nil
}

func (s *SQLStore) GetCriterion(ctx context.Context, id string) (*work.Criterion, error) {
	var c work.Criterion
	if err := s.getEntity(ctx, TABLE_CRITERIA, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListCriteria(ctx context.Context, unitID string) ([]*work.Criterion, error) {
	var out []*work.Criterion
	err := s.listEntities(ctx, `SELECT entity FROM criteria WHERE unit_id = ? ORDER BY pos`, func(data []byte) error {
		var c work.Criterion
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	}, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing criteria: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateCriterionStatus(ctx context.Context, id string, status work.CriterionStatus, notes string) error {
	c, err := s.GetCriterion(ctx, id)
	if err != nil {
		return err
	}
	c.Status = status
	if notes != "" {
		c.Notes = notes
	}
	c.UpdatedAt = time.Now().UTC()
	entity, err := marshal(c)
	if err != nil {
		return fmt.Errorf("encoding criterion %q: %w", id, err)
	}
	return s.execOne(ctx, "criterion", id, `UPDATE criteria SET status = ?, entity = ? WHERE id = ?`,
		string(status), entity, id)
}

func (s *SQLStore) CriteriaCounts(ctx context.Context, unitID string) (work.Counts, error) {
	criteria, err := s.ListCriteria(ctx, unitID)
	if err != nil {
		return work.Counts{}, err
	}
	return store.CountCriteria(criteria), nil
}

//#######################################################################
// Iterations
//#######################################################################

func (s *SQLStore) CreateIteration(ctx context.Context, it *work.Iteration) error {
	entity, err := marshal(it)
	if err != nil {
		return fmt.Errorf("encoding iteration %q: %w", it.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO iterations (id, unit_id, sequence, status, entity) VALUES (?, ?, ?, ?, ?)`,
		it.ID, it.UnitID, it.Sequence, string(it.Status), entity)
	if err != nil {
		return fmt.Errorf("creating iteration %d for unit %q: %w", it.Sequence, it.UnitID, err)
	}
	return nil
}

func (s *SQLStore) ListIterations(ctx context.Context, unitID string) ([]*work.Iteration, error) {
	var out []*work.Iteration
	err := s.listEntities(ctx, `SELECT entity FROM iterations WHERE unit_id = ? ORDER BY sequence`, func(data []byte) error {
		var it work.Iteration
		if err := json.Unmarshal(data, &it); err != nil {
			return err
		}
		out = append(out, &it)
		return nil
	}, unitID)
	if err != nil {
		return nil, fmt.Errorf("listing iterations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateIteration(ctx context.Context, it *work.Iteration) error {
	entity, err := marshal(it)
	if err != nil {
		return fmt.Errorf("encoding iteration %q: %w", it.ID, err)
	}
	return s.execOne(ctx, "iteration", it.ID, `UPDATE iterations SET status = ?, entity = ? WHERE id = ?`,
		string(it.Status), entity, it.ID)
}

var _ store.Store = (*SQLStore)(nil)
