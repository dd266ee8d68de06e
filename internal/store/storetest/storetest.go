// Package storetest holds behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/work"
)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("configs", func(t *testing.T) { testConfigs(t, newStore(t)) })
	t.Run("runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("units", func(t *testing.T) { testUnits(t, newStore(t)) })
	t.Run("criteria", func(t *testing.T) { testCriteria(t, newStore(t)) })
	t.Run("iterations", func(t *testing.T) { testIterations(t, newStore(t)) })
}

func testConfigs(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetConfig(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetConfig(missing): got %v, want ErrNotFound", err)
	}
	b := &config.Benchmark{ID: "a", Model: "m1", MaxCycles: 3, MaxDuration: time.Hour}
	if err := s.PutConfig(ctx, b); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}
	b2 := *b
	b2.Model = "m2"
	if err := s.PutConfig(ctx, &b2); err != nil {
		t.Fatalf("PutConfig (update): %v", err)
	}
	if err := s.PutConfig(ctx, &config.Benchmark{ID: "b"}); err != nil {
		t.Fatalf("PutConfig: %v", err)
	}
	got, err := s.GetConfig(ctx, "a")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.Model != "m2" || got.MaxDuration != time.Hour {
		t.Errorf("config: got model=%q duration=%v", got.Model, got.MaxDuration)
	}
	all, err := s.ListConfigs(ctx)
	if err != nil {
		t.Fatalf("ListConfigs: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("ListConfigs: got %d configs", len(all))
	}
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r1 := &result.Run{ID: "r1", ConfigID: "a", Status: result.StatusRunning, StartedAt: start}
	r2 := &result.Run{ID: "r2", ConfigID: "b", Status: result.StatusRunning, StartedAt: start.Add(time.Minute)}
	for _, r := range []*result.Run{r1, r2} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
	}
	if err := s.CreateRun(ctx, r1); err == nil {
		t.Error("CreateRun duplicate: expected error")
	}
	r1.Finish(result.StatusSuccess, "done", start.Add(time.Hour))
	r1.TotalCostUSD = 1.25
	if err := s.UpdateRun(ctx, r1); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != result.StatusSuccess || got.TotalCostUSD != 1.25 || got.CompletedAt == nil {
		t.Errorf("GetRun: got %+v", got)
	}
	runs, err := s.ListRuns(ctx, "a")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("ListRuns(a): got %d runs", len(runs))
	}
	runs, _ = s.ListRuns(ctx, "")
	if len(runs) != 2 {
		t.Errorf("ListRuns(all): got %d runs, want 2", len(runs))
	}
	if err := s.UpdateRun(ctx, &result.Run{ID: "nope"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateRun(missing): got %v, want ErrNotFound", err)
	}
}

func testUnits(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		if err := s.CreateUnit(ctx, &work.Unit{ID: id, RunID: "r1", Prompt: "do " + id}); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	if err := s.CreateUnit(ctx, &work.Unit{ID: "other", RunID: "r2"}); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if err := s.UpdateUnitStatus(ctx, "u2", work.UnitInProgress); err != nil {
		t.Fatalf("UpdateUnitStatus: %v", err)
	}
	units, err := s.ListUnits(ctx, "r1")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(units) != 2 || units[0].ID != "u1" || units[1].ID != "u2" {
		t.Fatalf("ListUnits: got %d units", len(units))
	}
	if units[0].Status != work.UnitPending || units[1].Status != work.UnitInProgress {
		t.Errorf("statuses: got %s, %s", units[0].Status, units[1].Status)
	}
	u := units[0]
	u.Feedback = "tighten error handling"
	if err := s.UpdateUnit(ctx, u); err != nil {
		t.Fatalf("UpdateUnit: %v", err)
	}
	got, err := s.GetUnit(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Feedback != u.Feedback {
		t.Errorf("feedback: got %q, want %q", got.Feedback, u.Feedback)
	}
	if err := s.UpdateUnitStatus(ctx, "nope", work.UnitFailed); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateUnitStatus(missing): got %v, want ErrNotFound", err)
	}
}

func testCriteria(t *testing.T, s store.Store) {
	ctx := context.Background()
	crits := []*work.Criterion{
		{ID: "c1", UnitID: "u1", Kind: work.KindCommand, Command: "true"},
		{ID: "c2", UnitID: "u1", Kind: work.KindFileExists, Path: "go.mod"},
		{ID: "c3", UnitID: "u1", Kind: work.KindManual, Checklist: "looks right"},
		{ID: "c4", UnitID: "u2", Kind: work.KindCommand, Command: "false"},
	}
	for _, c := range crits {
		if err := s.CreateCriterion(ctx, c); err != nil {
			t.Fatalf("CreateCriterion(%s): %v", c.ID, err)
		}
	}
	if err := s.UpdateCriterionStatus(ctx, "c1", work.CriterionPass, ""); err != nil {
		t.Fatalf("UpdateCriterionStatus: %v", err)
	}
	if err := s.UpdateCriterionStatus(ctx, "c2", work.CriterionFail, "missing"); err != nil {
		t.Fatalf("UpdateCriterionStatus: %v", err)
	}
	counts, err := s.CriteriaCounts(ctx, "u1")
	if err != nil {
		t.Fatalf("CriteriaCounts: %v", err)
	}
	want := work.Counts{Pending: 1, Pass: 1, Fail: 1, Total: 3}
	if counts != want {
		t.Errorf("counts: got %+v, want %+v", counts, want)
	}
	got, err := s.GetCriterion(ctx, "c2")
	if err != nil {
		t.Fatalf("GetCriterion: %v", err)
	}
	if got.Notes != "missing" || got.Path != "go.mod" {
		t.Errorf("criterion: got notes=%q path=%q", got.Notes, got.Path)
	}
	list, _ := s.ListCriteria(ctx, "u1")
	if len(list) != 3 || list[0].ID != "c1" || list[2].ID != "c3" {
		t.Errorf("ListCriteria: got %d criteria", len(list))
	}
	if err := s.UpdateCriterionStatus(ctx, "nope", work.CriterionPass, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateCriterionStatus(missing): got %v, want ErrNotFound", err)
	}
}

func testIterations(t *testing.T, s store.Store) {
	ctx := context.Background()
	for seq := 1; seq <= 3; seq++ {
		it := &work.Iteration{ID: "it" + string(rune('0'+seq)), UnitID: "u1", Sequence: seq, Status: work.IterationRunning}
		if err := s.CreateIteration(ctx, it); err != nil {
			t.Fatalf("CreateIteration(%d): %v", seq, err)
		}
	}
	dup := &work.Iteration{ID: "dup", UnitID: "u1", Sequence: 2}
	if err := s.CreateIteration(ctx, dup); err == nil {
		t.Error("CreateIteration with duplicate sequence: expected error")
	}
	its, err := s.ListIterations(ctx, "u1")
	if err != nil {
		t.Fatalf("ListIterations: %v", err)
	}
	for i, it := range its {
		if it.Sequence != i+1 {
			t.Errorf("iteration %d: got sequence %d", i, it.Sequence)
		}
	}
	its[0].Status = work.IterationFailed
	its[0].Error = "boom"
	if err := s.UpdateIteration(ctx, its[0]); err != nil {
		t.Fatalf("UpdateIteration: %v", err)
	}
	its, _ = s.ListIterations(ctx, "u1")
	if its[0].Status != work.IterationFailed || its[0].Error != "boom" {
		t.Errorf("updated iteration: got %+v", its[0])
	}
}
