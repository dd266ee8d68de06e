// Package review gates merges behind a second agent that reads the diff and
// returns a structured verdict.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/signalnine/benchloop/internal/agent"
	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/gitops"
	"github.com/signalnine/benchloop/internal/logging"
)

const DefaultTimeout = 5 * time.Minute

type Request struct {
	RunID       string
	UnitID      string
	WorkDir     string
	Task        string
	TestsPassed bool
	TestOutput  string
}

type Option func(*Gate)

func WithModel(model string) Option {
	return func(g *Gate) { g.model = model }
}

func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithConventions(names []string) Option {
	return func(g *Gate) { g.conventions = names }
}

func WithEvents(p events.Publisher) Option {
	return func(g *Gate) { g.events = p }
}

// WithDiff replaces gitops.ReviewDiff.
func WithDiff(fn func(ctx context.Context, dir string) (*gitops.Diff, error)) Option {
	return func(g *Gate) { g.diff = fn }
}

type Gate struct {
	runner      agent.Runner
	model       string
	timeout     time.Duration
	conventions []string
	events      events.Publisher
	diff        func(ctx context.Context, dir string) (*gitops.Diff, error)
	logger      *slog.Logger
}

func NewGate(runner agent.Runner, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		runner:      runner,
		timeout:     DefaultTimeout,
		conventions: DefaultConventions,
		events:      events.Nop{},
		diff:        gitops.ReviewDiff,
		logger:      logging.OrDefault(logger),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Review always yields a usable verdict unless the diff cannot be computed,
// which is returned as an error wrapping gitops.ErrDiffUnavailable. When ctx
// is cancelled mid-review the fallback verdict is returned with ctx.Err().
func (g *Gate) Review(ctx context.Context, req Request) (Verdict, error) {
	log := g.logger.With("run_id", req.RunID, "unit_id", req.UnitID)
	if err := ctx.Err(); err != nil {
		return Heuristic(req.TestsPassed), err
	}
	diff, err := g.diff(ctx, req.WorkDir)
	if err != nil {
		return Verdict{}, fmt.Errorf("computing review diff: %w", err)
	}
	prompt := BuildPrompt(PromptInput{
		Task:        req.Task,
		Diff:        diff,
		TestsPassed: req.TestsPassed,
		TestOutput:  req.TestOutput,
		Conventions: LoadConventions(req.WorkDir, g.conventions),
	})

	text, waitErr := g.ask(ctx, req.WorkDir, prompt, log)
	var v Verdict
	switch out := ParseVerdict(text).(type) {
	case Parsed:
		v = out.Verdict
	case Unparsable:
		log.Warn("reviewer verdict unusable, using heuristic", "reason", out.Reason)
		v = Heuristic(req.TestsPassed)
	}

	g.events.Publish(events.New(events.ReviewCompleted, req.RunID, events.ReviewPayload{
		UnitID:     req.UnitID,
		Decision:   string(v.Decision),
		Confidence: v.Confidence,
		Heuristic:  v.Heuristic,
	}))
	log.Info("review completed", "decision", v.Decision, "confidence", v.Confidence, "auto_merge", v.AutoMerge, "heuristic", v.Heuristic)
	return v, waitErr
}

// ask runs the reviewer for a single turn and gathers its text until the
// session ends, the timeout fires or ctx is cancelled. Spawn failures yield
// empty text so the heuristic applies.
func (g *Gate) ask(ctx context.Context, workDir, prompt string, log *slog.Logger) (string, error) {
	s, err := g.runner.Spawn(ctx, agent.SpawnOptions{
		WorkDir:  workDir,
		Prompt:   prompt,
		Model:    g.model,
		MaxTurns: 1,
	})
	if err != nil {
		log.Warn("reviewer spawn failed", "error", err)
		return "", nil
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var b strings.Builder
	evs := s.Events()
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			if ev.Kind == agent.EventText {
				b.WriteString(ev.Text)
				b.WriteByte('\n')
			}
		case <-s.Done():
			// Events closes before Done, so a non-nil channel drains without blocking.
			if evs != nil {
				for ev := range evs {
					if ev.Kind == agent.EventText {
						b.WriteString(ev.Text)
						b.WriteByte('\n')
					}
				}
			}
			if b.Len() == 0 {
				return s.Result().Text, nil
			}
			return b.String(), nil
		case <-timer.C:
			log.Warn("reviewer timed out", "timeout", g.timeout)
			s.Kill()
			return b.String(), nil
		case <-ctx.Done():
			s.Kill()
			return b.String(), ctx.Err()
		}
	}
}
