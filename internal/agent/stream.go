package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const maxLineBytes = 16 << 20

// Envelope is one line of the CLI's stream-json output. Different message
// types use different subsets of fields.
type Envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant
	Message json.RawMessage `json:"message,omitempty"`

	// result
	IsError      *bool        `json:"is_error,omitempty"`
	Result       string       `json:"result,omitempty"`
	DurationMs   int          `json:"duration_ms,omitempty"`
	NumTurns     int          `json:"num_turns,omitempty"`
	TotalCostUSD float64      `json:"total_cost_usd,omitempty"`
	Usage        *StreamUsage `json:"usage,omitempty"`
}

type AssistantMessage struct {
	Role    string         `json:"role"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *StreamUsage   `json:"usage,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

func (u *StreamUsage) usage() Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

// DecodeStream reads NDJSON envelopes from r, calling emit for each
// observable event, and returns the accumulated result. Lines that are not
// JSON objects are skipped. ExitCode is left for the caller.
func DecodeStream(r io.Reader, emit func(Event)) (Result, error) {
	var (
		res   Result
		texts []string
		final bool
	)
	if emit == nil {
		emit = func(Event) {}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			continue
		}
		if env.SessionID != "" {
			res.SessionID = env.SessionID
		}

		switch env.Type {
		case "system":
			if env.Subtype == "init" {
				emit(Event{Kind: EventInit, SessionID: res.SessionID})
			}
		case "assistant":
			var msg AssistantMessage
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				continue
			}
			res.NumTurns++
			for _, block := range msg.Content {
				switch block.Type {
				case "text":
					texts = append(texts, block.Text)
					emit(Event{Kind: EventText, SessionID: res.SessionID, Text: block.Text})
				case "tool_use":
					emit(Event{Kind: EventTool, SessionID: res.SessionID, Tool: block.Name})
				}
			}
			if msg.Usage != nil {
				u := msg.Usage.usage()
				res.Usage = res.Usage.Add(u)
				emit(Event{Kind: EventUsage, SessionID: res.SessionID, Usage: u})
			}
		case "result":
			final = true
			// Result usage is cumulative and replaces the running sum.
			if env.Usage != nil {
				res.Usage = env.Usage.usage()
			}
			if env.NumTurns > 0 {
				res.NumTurns = env.NumTurns
			}
			res.CostUSD = env.TotalCostUSD
			res.Duration = time.Duration(env.DurationMs) * time.Millisecond
			res.IsError = env.IsError != nil && *env.IsError
			if env.Result != "" {
				res.Text = env.Result
			}
			emit(Event{Kind: EventResult, SessionID: res.SessionID, Usage: res.Usage})
		}
	}
	if res.Text == "" {
		res.Text = strings.Join(texts, "\n")
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("reading agent stream: %w", err)
	}
	if !final {
		res.IsError = true
	}
	return res, nil
}
