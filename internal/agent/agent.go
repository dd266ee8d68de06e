// Package agent spawns coding-agent sessions and reports what they did.
package agent

import (
	"context"
	"fmt"
	"io"
	"time"
)

type PermissionMode string

const (
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// PermissionFor maps the benchmark's dangerous_auto_approve flag.
func PermissionFor(dangerousAutoApprove bool) PermissionMode {
	if dangerousAutoApprove {
		return PermissionBypass
	}
	return PermissionAcceptEdits
}

type SpawnOptions struct {
	WorkDir         string
	Prompt          string
	SystemPrompt    string
	Model           string
	MaxTurns        int
	ResumeSessionID string
	PermissionMode  PermissionMode
	AllowedTools    []string
	DisallowedTools []string
	Env             map[string]string
	// Transcript, when set, receives the raw output stream.
	Transcript io.Writer
}

type Runner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Session, error)
}

type Session interface {
	// Events is closed before Done.
	Events() <-chan Event
	Done() <-chan struct{}
	// Result is complete only after Done is closed.
	Result() Result
	Kill() error
}

type EventKind string

const (
	EventInit   EventKind = "init"
	EventText   EventKind = "text"
	EventTool   EventKind = "tool"
	EventUsage  EventKind = "usage"
	EventResult EventKind = "result"
)

type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Tool      string
	Usage     Usage
}

type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
	}
}

type Result struct {
	ExitCode  int           `json:"exit_code"`
	SessionID string        `json:"session_id,omitempty"`
	CostUSD   float64       `json:"total_cost_usd"`
	Duration  time.Duration `json:"duration_ns"`
	NumTurns  int           `json:"num_turns"`
	Usage     Usage         `json:"usage"`
	IsError   bool          `json:"is_error"`
	Text      string        `json:"text,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	// Err is set when the runtime failed after the session was handed out.
	Err error `json:"-"`
}

// SpawnError reports that an agent session could not be started.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning agent: %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

const killGrace = 10 * time.Second

// Wait blocks until the session ends. When ctx is cancelled first the
// session is killed and ctx.Err() is returned with whatever result exists.
func Wait(ctx context.Context, s Session) (Result, error) {
	select {
	case <-s.Done():
		return s.Result(), nil
	case <-ctx.Done():
	}
	s.Kill()
	select {
	case <-s.Done():
	case <-time.After(killGrace):
	}
	return s.Result(), ctx.Err()
}
