package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/lifecycle"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/work"
)

// UnitID namespaces a configured unit id under its run.
func UnitID(runID, cfgUnitID string) string {
	return runID + "." + cfgUnitID
}

// ensureUnits seeds the run's units from the config on first use. Without
// configured units each cycle gets one unit working through the spec file.
func (e *CycleExecutor) ensureUnits(ctx context.Context, c lifecycle.Cycle) ([]*work.Unit, error) {
	units, err := e.store.ListUnits(ctx, c.RunID)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	cfg := c.Config
	if len(cfg.Units) == 0 {
		id := UnitID(c.RunID, fmt.Sprintf("spec-%d", c.Number))
		for _, u := range units {
			if u.ID == id {
				return units, nil
			}
		}
		u, crits := specUnit(c.RunID, id, cfg)
		if err := e.createUnit(ctx, u, crits); err != nil {
			return nil, err
		}
		return append(units, u), nil
	}
	if len(units) > 0 {
		return units, nil
	}

	for i := range cfg.Units {
		cu := &cfg.Units[i]
		u := &work.Unit{
			ID:     UnitID(c.RunID, cu.ID),
			RunID:  c.RunID,
			Title:  cu.Title,
			Prompt: cu.Prompt,
			Status: work.UnitPending,
			Policy: cfg.UnitPolicy(cu),
		}
		if u.Title == "" {
			u.Title = cu.ID
		}
		crits := make([]*work.Criterion, 0, len(cu.Criteria))
		for _, cr := range cu.Criteria {
			cr.ID = u.ID + "." + cr.ID
			cr.UnitID = u.ID
			cr.Status = work.CriterionPending
			crits = append(crits, &cr)
		}
		if err := e.createUnit(ctx, u, crits); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func (e *CycleExecutor) createUnit(ctx context.Context, u *work.Unit, crits []*work.Criterion) error {
	if err := e.store.CreateUnit(ctx, u); err != nil {
		return fmt.Errorf("creating unit %s: %w", u.ID, err)
	}
	for _, cr := range crits {
		if err := e.store.CreateCriterion(ctx, cr); err != nil {
			return fmt.Errorf("creating criterion %s: %w", cr.ID, err)
		}
	}
	return nil
}

func specUnit(runID, id string, cfg *config.Benchmark) (*work.Unit, []*work.Criterion) {
	spec := cfg.SpecFile
	if spec == "" {
		spec = "the project specification"
	}
	u := &work.Unit{
		ID:     id,
		RunID:  runID,
		Title:  "Implement " + filepath.Base(spec),
		Prompt: SpecPrompt(cfg.SpecFile),
		Status: work.UnitPending,
		Policy: cfg.Policy,
	}
	var crits []*work.Criterion
	if cfg.TestCommand != "" {
		crits = append(crits, &work.Criterion{
			ID:          id + ".tests",
			UnitID:      id,
			Description: "test suite passes",
			Kind:        work.KindTestPass,
			Status:      work.CriterionPending,
			TestCommand: cfg.TestCommand,
		})
	}
	return u, crits
}

func SpecPrompt(specFile string) string {
	if specFile == "" {
		return "Continue implementing the project. Pick the next unfinished piece of work, implement it and make sure the tests pass."
	}
	return fmt.Sprintf(`Implement the next unchecked items of %s.

Work through the checklist in order. When an item is fully implemented and tested, mark it done by changing "- [ ]" to "- [x]" in %s. Do not check off items you have not finished.`, specFile, specFile)
}

// selectUnits picks up to n units that are pending, or that a reviewer sent
// back with feedback.
func selectUnits(units []*work.Unit, n int) []*work.Unit {
	if n < 1 {
		n = 1
	}
	var out []*work.Unit
	for _, u := range units {
		if len(out) == n {
			break
		}
		switch {
		case u.Status == work.UnitPending:
		case u.Status == work.UnitNeedsReview && strings.TrimSpace(u.Feedback) != "":
		default:
			continue
		}
		out = append(out, u)
	}
	return out
}

func unitPrompt(u *work.Unit) string {
	if strings.TrimSpace(u.Feedback) == "" {
		return u.Prompt
	}
	return u.Prompt + "\n\n## Feedback from the previous review\n\n" + u.Feedback
}

// settled explains why none of units can run. Failed units fail the run.
// Units parked on a human block it. Only a fully completed set succeeds.
func settled(runID string, units []*work.Unit) (result.Status, string) {
	var failed, approval, review, other []string
	for _, u := range units {
		id := strings.TrimPrefix(u.ID, runID+".")
		switch u.Status {
		case work.UnitCompleted:
		case work.UnitFailed:
			failed = append(failed, id)
		case work.UnitAwaitingApproval:
			approval = append(approval, id)
		case work.UnitNeedsReview:
			review = append(review, id)
		default:
			other = append(other, id+" ("+string(u.Status)+")")
		}
	}
	if len(failed) > 0 {
		return result.StatusFailed, "units failed: " + strings.Join(failed, ", ")
	}
	var waiting []string
	if len(approval) > 0 {
		waiting = append(waiting, "awaiting approval: "+strings.Join(approval, ", "))
	}
	if len(review) > 0 {
		waiting = append(waiting, "needs review: "+strings.Join(review, ", "))
	}
	if len(other) > 0 {
		waiting = append(waiting, "not runnable: "+strings.Join(other, ", "))
	}
	if len(waiting) > 0 {
		return result.StatusBlocked, strings.Join(waiting, "; ")
	}
	return result.StatusSuccess, ""
}
