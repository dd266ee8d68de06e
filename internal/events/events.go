// Package events carries lifecycle notifications from the run loop to
// observers such as metrics and the websocket stream.
package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	RunStarted           Type = "run_started"
	RunPaused            Type = "run_paused"
	RunResumed           Type = "run_resumed"
	CycleStarted         Type = "cycle_started"
	CycleCompleted       Type = "cycle_completed"
	RunCompleted         Type = "run_completed"
	IterationRecorded    Type = "iteration_recorded"
	MaxIterationsReached Type = "max_iterations_reached"
	ApprovalRequired     Type = "approval_required"
	ReviewCompleted      Type = "review_completed"
)

// Event is the on-wire notification. Payload holds one of the typed
// payload structs below, matching Type.
type Event struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Type    Type      `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

var seqCounter atomic.Uint64

// New stamps an event with an id, a process-wide sequence and the time.
func New(t Type, runID string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Seq:     seqCounter.Add(1),
		Type:    t,
		RunID:   runID,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

type RunStartedPayload struct {
	ConfigID string `json:"config_id"`
}

type CyclePayload struct {
	Cycle          int     `json:"cycle"`
	TasksCompleted int     `json:"tasks_completed,omitempty"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
	TotalCostUSD   float64 `json:"total_cost_usd,omitempty"`
	SpecPct        float64 `json:"spec_completion_pct,omitempty"`
}

type RunCompletedPayload struct {
	ConfigID     string  `json:"config_id"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Cycles       int     `json:"cycles"`
}

type IterationPayload struct {
	UnitID   string `json:"unit_id"`
	Sequence int    `json:"sequence"`
	Status   string `json:"status"`
	Max      int    `json:"max"`
}

type MaxIterationsPayload struct {
	UnitID string `json:"unit_id"`
	Max    int    `json:"max"`
	OnMax  string `json:"on_max"`
}

type ApprovalPayload struct {
	UnitID     string `json:"unit_id"`
	Iterations int    `json:"iterations"`
}

type ReviewPayload struct {
	UnitID     string  `json:"unit_id"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Heuristic  bool    `json:"heuristic"`
}
