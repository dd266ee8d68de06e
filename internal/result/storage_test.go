package result_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/result"
)

func TestWriteAndReadRunMeta(t *testing.T) {
	dir := t.TempDir()
	run := &result.Run{
		ID:                "run-1",
		ConfigID:          "todo-app",
		Status:            result.StatusRunning,
		StartedAt:         time.Now().UTC().Truncate(time.Second),
		CyclesCompleted:   2,
		TasksCompleted:    3,
		TotalCostUSD:      0.5,
		SpecCompletionPct: 40,
	}
	if err := result.WriteRunMeta(dir, run); err != nil {
		t.Fatalf("WriteRunMeta: %v", err)
	}
	got, err := result.ReadRunMeta(filepath.Join(dir, "meta.json"))
	if err != nil {
		t.Fatalf("ReadRunMeta: %v", err)
	}
	if got.ConfigID != run.ConfigID {
		t.Errorf("configId: got %q, want %q", got.ConfigID, run.ConfigID)
	}
	if got.TotalCostUSD != run.TotalCostUSD {
		t.Errorf("totalCostUsd: got %f, want %f", got.TotalCostUSD, run.TotalCostUSD)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("startedAt: got %v, want %v", got.StartedAt, run.StartedAt)
	}
}

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := result.CreateRunDir(base, "abc")
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	if filepath.Base(runDir) != "abc" {
		t.Errorf("run dir: got %q, want suffix abc", runDir)
	}
	target, err := os.Readlink(filepath.Join(base, "latest"))
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestUnitDir(t *testing.T) {
	base := t.TempDir()
	dir := result.UnitDir(base, 3, "u1")
	expected := filepath.Join(base, "cycles", "cycle-3", "units", "u1")
	if dir != expected {
		t.Errorf("got %q, want %q", dir, expected)
	}
}
