//go:build integration

package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/lifecycle"
	"github.com/signalnine/benchloop/internal/logging"
	"github.com/signalnine/benchloop/internal/result"
	"github.com/signalnine/benchloop/internal/review"
	"github.com/signalnine/benchloop/internal/runner"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/validation"
	"github.com/signalnine/benchloop/internal/work"
)

// createFixtureRepo creates a minimal tagged git repo for integration testing.
func createFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		c := exec.Command("git", args...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	git("init")
	git("config", "user.email", "test@test.com")
	git("config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "SPEC.md"), []byte("- [ ] say goodbye\n"), 0o644)
	git("add", ".")
	git("commit", "-m", "initial")
	git("tag", "v1")
	return dir
}

func TestClonedRunIntegration(t *testing.T) {
	fixture := createFixtureRepo(t)
	resultsDir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemory()
	enabled := true
	policy := work.IterationPolicy{AutoIterate: true, MaxIterations: 3, PauseMs: -1}
	cfg := &config.Benchmark{
		ID:       "goodbye",
		Repo:     fixture,
		Tag:      "v1",
		SpecFile: "SPEC.md",
		Parallel: 1,
		Review:   &enabled,
		Units: []config.Unit{{
			ID:     "say",
			Prompt: "Make hello.txt say goodbye and check off SPEC.md",
			Policy: &policy,
			Criteria: []work.Criterion{
				{ID: "text", Kind: work.KindGrep, File: "hello.txt", Pattern: "goodbye"},
			},
		}},
	}
	if err := s.PutConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	sessions := 0
	worker := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		sessions++
		if sessions == 2 {
			os.WriteFile(filepath.Join(opts.WorkDir, "hello.txt"), []byte("goodbye\n"), 0o644)
			os.WriteFile(filepath.Join(opts.WorkDir, "SPEC.md"), []byte("- [x] say goodbye\n"), 0o644)
		}
		return agent.Result{SessionID: "s", CostUSD: 0.25}, nil
	})
	var prompt string
	reviewer := agent.Func(func(ctx context.Context, opts agent.SpawnOptions) (agent.Result, error) {
		prompt = opts.Prompt
		return agent.Result{Text: `{"decision":"approve","auto_merge":true,"justification":"fine"}`}, nil
	})

	logger := logging.Discard()
	engine := validation.NewEngine(s, logger)
	gate := review.NewGate(reviewer, logger)
	executor := runner.NewCycleExecutor(s, worker, engine, logger, runner.WithReview(gate, config.Review{}))
	mgr := lifecycle.NewManager(s, executor, logger, lifecycle.WithResultsDir(resultsDir))

	run, err := mgr.Start(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := mgr.Wait(waitCtx, run.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	final, err := mgr.Status(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != result.StatusSuccess {
		t.Fatalf("status: got %q (%s), want success", final.Status, final.StopReason)
	}
	if final.SpecCompletionPct != 100 || final.TotalCostUSD != 0.5 {
		t.Errorf("got spec %v cost %v, want 100 and 0.5", final.SpecCompletionPct, final.TotalCostUSD)
	}
	if !strings.Contains(prompt, "+goodbye") {
		t.Errorf("reviewer prompt lacks the diff:\n%s", prompt)
	}

	runDir := filepath.Join(resultsDir, "runs", run.ID)
	patch, err := os.ReadFile(filepath.Join(result.UnitDir(runDir, 1, runner.UnitID(run.ID, "say")), "diff.patch"))
	if err != nil {
		t.Fatalf("diff.patch: %v", err)
	}
	if !strings.Contains(string(patch), "+goodbye") {
		t.Errorf("diff.patch lacks the change:\n%s", patch)
	}
	if _, err := result.ReadRunMeta(filepath.Join(runDir, "meta.json")); err != nil {
		t.Errorf("run meta: %v", err)
	}
}
