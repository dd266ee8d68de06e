package work

import "time"

type Kind string

const (
	KindCommand    Kind = "command"
	KindFileExists Kind = "file_exists"
	KindGrep       Kind = "grep"
	KindTestPass   Kind = "test_pass"
	KindManual     Kind = "manual"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindFileExists, KindGrep, KindTestPass, KindManual:
		return true
	}
	return false
}

type CriterionStatus string

const (
	CriterionPending CriterionStatus = "pending"
	CriterionPass    CriterionStatus = "pass"
	CriterionFail    CriterionStatus = "fail"
)

// Criterion is one checkable requirement for a unit of work. Only the
// parameters for its Kind are read.
type Criterion struct {
	ID          string          `json:"id" yaml:"id"`
	UnitID      string          `json:"unit_id" yaml:"-"`
	Description string          `json:"description" yaml:"description"`
	Kind        Kind            `json:"kind" yaml:"kind" validate:"required"`
	Status      CriterionStatus `json:"status" yaml:"-"`
	Notes       string          `json:"notes,omitempty" yaml:"-"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"-"`

	// command
	Command          string `json:"command,omitempty" yaml:"command"`
	ExpectedExitCode *int   `json:"expected_exit_code,omitempty" yaml:"expected_exit_code"`
	ExpectedOutput   string `json:"expected_output,omitempty" yaml:"expected_output"`

	// file_exists
	Path string `json:"path,omitempty" yaml:"path"`

	// grep
	File        string `json:"file,omitempty" yaml:"file"`
	Pattern     string `json:"pattern,omitempty" yaml:"pattern"`
	ShouldMatch *bool  `json:"should_match,omitempty" yaml:"should_match"`

	// test_pass
	TestCommand string `json:"test_command,omitempty" yaml:"test_command"`
	TestPattern string `json:"test_pattern,omitempty" yaml:"test_pattern"`

	// manual
	Checklist string `json:"checklist,omitempty" yaml:"checklist"`
}

func (c *Criterion) IsManual() bool {
	return c.Kind == KindManual
}

type VerifierResult struct {
	CriterionID string        `json:"criterion_id"`
	Kind        Kind          `json:"kind"`
	Passed      bool          `json:"passed"`
	Pending     bool          `json:"pending,omitempty"`
	Output      string        `json:"output"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Timestamp   time.Time     `json:"timestamp"`
}

type UnitStatus string

const (
	UnitPending          UnitStatus = "pending"
	UnitInProgress       UnitStatus = "in_progress"
	UnitCompleted        UnitStatus = "completed"
	UnitFailed           UnitStatus = "failed"
	UnitNeedsReview      UnitStatus = "needs_review"
	UnitAwaitingApproval UnitStatus = "awaiting_approval"
)

// Unit is a single bounded task assigned to the agent within a cycle.
type Unit struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Title     string          `json:"title"`
	Prompt    string          `json:"prompt"`
	Status    UnitStatus      `json:"status"`
	SessionID string          `json:"session_id,omitempty"`
	Policy    IterationPolicy `json:"policy"`
	Feedback  string          `json:"feedback,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type IterationStatus string

const (
	IterationRunning   IterationStatus = "running"
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
)

type Iteration struct {
	ID           string           `json:"id"`
	UnitID       string           `json:"unit_id"`
	Sequence     int              `json:"sequence"`
	Status       IterationStatus  `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	FilesChanged []string         `json:"files_changed,omitempty"`
	Results      []VerifierResult `json:"results,omitempty"`
	Error        string           `json:"error,omitempty"`
}

type OnMaxReached string

const (
	OnMaxStop   OnMaxReached = "stop"
	OnMaxAsk    OnMaxReached = "ask"
	OnMaxBranch OnMaxReached = "branch"
)

const (
	DefaultMaxIterations = 5
	DefaultPauseMs       = 5000
)

type IterationPolicy struct {
	AutoIterate          bool         `json:"auto_iterate" yaml:"auto_iterate"`
	MaxIterations        int          `json:"max_iterations" yaml:"max_iterations" validate:"gte=0"`
	PauseMs              int          `json:"pause_between_iterations_ms" yaml:"pause_between_iterations_ms"`
	RequireApprovalAfter int          `json:"require_approval_after" yaml:"require_approval_after" validate:"gte=0"`
	OnMaxReached         OnMaxReached `json:"on_max_iterations_reached" yaml:"on_max_iterations_reached" validate:"omitempty,oneof=stop ask branch"`
	StopOnFirstFailure   bool         `json:"stop_on_first_failure" yaml:"stop_on_first_failure"`
}

// WithDefaults fills zero fields. A negative PauseMs disables the pause.
func (p IterationPolicy) WithDefaults() IterationPolicy {
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.PauseMs == 0 {
		p.PauseMs = DefaultPauseMs
	}
	if p.OnMaxReached == "" {
		p.OnMaxReached = OnMaxStop
	}
	return p
}

func (p IterationPolicy) Pause() time.Duration {
	if p.PauseMs <= 0 {
		return 0
	}
	return time.Duration(p.PauseMs) * time.Millisecond
}

type Counts struct {
	Pending int `json:"pending"`
	Pass    int `json:"pass"`
	Fail    int `json:"fail"`
	Total   int `json:"total"`
}
