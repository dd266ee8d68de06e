package agent

import (
	"context"
	"strings"
	"sync"
)

const eventBuffer = 1024

// LiveSession is the Session the runtimes hand out. Producers call Emit while
// the agent runs and Finish exactly once.
type LiveSession struct {
	events chan Event
	done   chan struct{}
	kill   func() error

	mu       sync.Mutex
	result   Result
	finished bool
	dropped  int
}

func NewSession(kill func() error) *LiveSession {
	return &LiveSession{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		kill:   kill,
	}
}

// Emit never blocks; events beyond the buffer are counted and dropped.
func (s *LiveSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

func (s *LiveSession) Finish(res Result) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.result = res
	close(s.events)
	s.mu.Unlock()
	close(s.done)
}

func (s *LiveSession) Events() <-chan Event  { return s.events }
func (s *LiveSession) Done() <-chan struct{} { return s.done }

func (s *LiveSession) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *LiveSession) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *LiveSession) Kill() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if s.kill == nil {
		return nil
	}
	return s.kill()
}

// Func adapts a synchronous function into a Runner. The function's error is
// reported as a SpawnError.
type Func func(ctx context.Context, opts SpawnOptions) (Result, error)

func (f Func) Spawn(ctx context.Context, opts SpawnOptions) (Session, error) {
	res, err := f(ctx, opts)
	if err != nil {
		return nil, &SpawnError{Op: "func", Err: err}
	}
	s := NewSession(nil)
	if res.SessionID != "" {
		s.Emit(Event{Kind: EventInit, SessionID: res.SessionID})
	}
	for _, part := range strings.SplitAfter(res.Text, "\n") {
		if part != "" {
			s.Emit(Event{Kind: EventText, SessionID: res.SessionID, Text: part})
		}
	}
	s.Emit(Event{Kind: EventResult, SessionID: res.SessionID, Usage: res.Usage})
	s.Finish(res)
	return s, nil
}
