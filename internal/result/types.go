package result

import (
	"time"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusLimitReached Status = "limit_reached"
	StatusBlocked      Status = "blocked"
)

// Terminal reports whether no further transition may occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusLimitReached, StatusBlocked:
		return true
	}
	return false
}

// Run is one execution of a benchmark config. Its JSON form is the run
// status payload handed to callers.
type Run struct {
	ID                string     `json:"id"`
	ConfigID          string     `json:"configId"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt"`
	CyclesCompleted   int        `json:"cyclesCompleted"`
	TasksCompleted    int        `json:"tasksCompleted"`
	TotalCostUSD      float64    `json:"totalCostUsd"`
	TotalDurationMs   int64      `json:"totalDurationMs"`
	TestsPassed       int        `json:"testsPassed"`
	TestsFailed       int        `json:"testsFailed"`
	SpecCompletionPct float64    `json:"specCompletionPct"`
	StopReason        string     `json:"stopReason"`
}

// CycleReport is what one cycle contributes to its run.
type CycleReport struct {
	Cycle          int           `json:"cycle"`
	TasksCompleted int           `json:"tasks_completed"`
	CostUSD        float64       `json:"cost_usd"`
	Duration       time.Duration `json:"duration_ns"`
	TestsPassed    int           `json:"tests_passed"`
	TestsFailed    int           `json:"tests_failed"`
	// Done is set when no work remains.
	Done bool `json:"done"`
	// Outcome and Reason qualify a Done report whose units did not all
	// complete. An empty Outcome means success.
	Outcome Status `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Apply folds a cycle report into the run. Cost and duration never decrease.
func (r *Run) Apply(rep CycleReport) {
	r.CyclesCompleted++
	if rep.TasksCompleted > 0 {
		r.TasksCompleted += rep.TasksCompleted
	}
	if rep.CostUSD > 0 {
		r.TotalCostUSD += rep.CostUSD
	}
	if rep.Duration > 0 {
		r.TotalDurationMs += rep.Duration.Milliseconds()
	}
	r.TestsPassed = rep.TestsPassed
	r.TestsFailed = rep.TestsFailed
}

// SetSpecCompletion records pct clamped to [0, 100].
func (r *Run) SetSpecCompletion(pct float64) {
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	r.SpecCompletionPct = pct
}

// Finish moves the run into a terminal status. It returns false and leaves
// the run untouched if the run already finished.
func (r *Run) Finish(status Status, reason string, at time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = status
	r.StopReason = reason
	r.CompletedAt = &at
	return true
}
