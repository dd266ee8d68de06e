package agent_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalnine/benchloop/internal/agent"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"s-1","model":"claude-sonnet-4-5"}
not json at all
{"type":"assistant","session_id":"s-1","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the code."},{"type":"tool_use","name":"Edit"}],"usage":{"input_tokens":100,"output_tokens":20}}}
{"type":"assistant","session_id":"s-1","message":{"role":"assistant","content":[{"type":"text","text":"Done."}],"usage":{"input_tokens":50,"output_tokens":10,"cache_read_input_tokens":7}}}
{"type":"result","subtype":"success","session_id":"s-1","is_error":false,"result":"All tasks complete.","num_turns":4,"total_cost_usd":0.42,"duration_ms":1500,"usage":{"input_tokens":300,"output_tokens":40,"cache_read_input_tokens":7}}
`

func TestDecodeStream(t *testing.T) {
	var got []agent.EventKind
	var texts []string
	res, err := agent.DecodeStream(strings.NewReader(sampleStream), func(ev agent.Event) {
		got = append(got, ev.Kind)
		if ev.Kind == agent.EventText {
			texts = append(texts, ev.Text)
		}
	})
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	want := []agent.EventKind{
		agent.EventInit,
		agent.EventText, agent.EventTool, agent.EventUsage,
		agent.EventText, agent.EventUsage,
		agent.EventResult,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Looking at the code.", "Done."}, texts); diff != "" {
		t.Errorf("texts (-want +got):\n%s", diff)
	}

	wantRes := agent.Result{
		SessionID: "s-1",
		CostUSD:   0.42,
		Duration:  1500 * time.Millisecond,
		NumTurns:  4,
		Usage:     agent.Usage{InputTokens: 300, OutputTokens: 40, CacheReadTokens: 7},
		Text:      "All tasks complete.",
	}
	if diff := cmp.Diff(wantRes, res); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
}

func TestDecodeStreamWithoutResult(t *testing.T) {
	in := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":1,"output_tokens":2}}}` + "\r\n" +
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"b"}],"usage":{"input_tokens":3,"output_tokens":4}}}` + "\r\n"
	res, err := agent.DecodeStream(strings.NewReader(in), nil)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if !res.IsError {
		t.Error("got IsError=false for a stream with no result message")
	}
	if res.Text != "a\nb" || res.NumTurns != 2 {
		t.Errorf("got text=%q turns=%d", res.Text, res.NumTurns)
	}
	if want := (agent.Usage{InputTokens: 4, OutputTokens: 6}); res.Usage != want {
		t.Errorf("usage: got %+v, want %+v", res.Usage, want)
	}
}

func TestBuildArgs(t *testing.T) {
	got := agent.BuildArgs(agent.SpawnOptions{
		Prompt:          "fix it",
		Model:           "claude-opus-4-6",
		MaxTurns:        1,
		PermissionMode:  agent.PermissionFor(true),
		ResumeSessionID: "s-9",
		AllowedTools:    []string{"Read", "Edit"},
	})
	want := []string{
		"-p", "fix it", "--output-format", "stream-json", "--verbose",
		"--model", "claude-opus-4-6",
		"--max-turns", "1",
		"--permission-mode", "bypassPermissions",
		"--resume", "s-9",
		"--allowedTools", "Read,Edit",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}
	if agent.PermissionFor(false) != agent.PermissionAcceptEdits {
		t.Errorf("got %s, want acceptEdits", agent.PermissionFor(false))
	}
}
