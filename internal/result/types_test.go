package result_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/result"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status result.Status
		want   bool
	}{
		{result.StatusIdle, false},
		{result.StatusRunning, false},
		{result.StatusPaused, false},
		{result.StatusSuccess, true},
		{result.StatusFailed, true},
		{result.StatusLimitReached, true},
		{result.StatusBlocked, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal(): got %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFinishIsWriteOnce(t *testing.T) {
	run := &result.Run{Status: result.StatusRunning}
	now := time.Now()
	if !run.Finish(result.StatusBlocked, "stopped", now) {
		t.Fatal("first Finish should succeed")
	}
	if run.Finish(result.StatusSuccess, "late", now.Add(time.Second)) {
		t.Error("second Finish should be refused")
	}
	if run.Status != result.StatusBlocked || run.StopReason != "stopped" {
		t.Errorf("got %s/%q, want blocked/stopped", run.Status, run.StopReason)
	}
}

func TestApplyNeverDecreasesTotals(t *testing.T) {
	run := &result.Run{}
	run.Apply(result.CycleReport{CostUSD: 0.7, Duration: 2 * time.Second, TasksCompleted: 1})
	run.Apply(result.CycleReport{CostUSD: -5, Duration: -time.Second, TasksCompleted: -1})
	if run.TotalCostUSD != 0.7 {
		t.Errorf("cost: got %f, want 0.7", run.TotalCostUSD)
	}
	if run.TotalDurationMs != 2000 {
		t.Errorf("duration: got %d, want 2000", run.TotalDurationMs)
	}
	if run.TasksCompleted != 1 {
		t.Errorf("tasks: got %d, want 1", run.TasksCompleted)
	}
	if run.CyclesCompleted != 2 {
		t.Errorf("cycles: got %d, want 2", run.CyclesCompleted)
	}
}

func TestSetSpecCompletionClamps(t *testing.T) {
	run := &result.Run{}
	run.SetSpecCompletion(140)
	if run.SpecCompletionPct != 100 {
		t.Errorf("got %f, want 100", run.SpecCompletionPct)
	}
	run.SetSpecCompletion(-3)
	if run.SpecCompletionPct != 0 {
		t.Errorf("got %f, want 0", run.SpecCompletionPct)
	}
}

func TestRunPayloadKeys(t *testing.T) {
	data, err := json.Marshal(result.Run{ID: "r", ConfigID: "c", Status: result.StatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"id", "configId", "status", "startedAt", "completedAt", "cyclesCompleted",
		"tasksCompleted", "totalCostUsd", "totalDurationMs", "testsPassed",
		"testsFailed", "specCompletionPct", "stopReason",
	} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("payload missing %q: %s", key, data)
		}
	}
}
