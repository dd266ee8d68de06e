package review_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/signalnine/benchloop/internal/review"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want review.Verdict
	}{
		{
			name: "bare object",
			text: `{"decision":"approve","justification":"fine","concerns":[],"suggestions":["rename x"],"confidence":0.9,"auto_merge":true}`,
			want: review.Verdict{Decision: review.Approve, Justification: "fine", Concerns: []string{}, Suggestions: []string{"rename x"}, Confidence: 0.9, AutoMerge: true},
		},
		{
			name: "fenced",
			text: "```json\n{\"decision\":\"reject\",\"justification\":\"deletes tests\",\"confidence\":0.7}\n```",
			want: review.Verdict{Decision: review.Reject, Justification: "deletes tests", Concerns: []string{}, Suggestions: []string{}, Confidence: 0.7},
		},
		{
			name: "prose around object",
			text: "Here is my review.\n{\"decision\":\"needs_changes\",\"concerns\":[\"no tests\"]}\nThanks.",
			want: review.Verdict{Decision: review.NeedsChanges, Concerns: []string{"no tests"}, Suggestions: []string{}, Confidence: 0.5},
		},
		{
			name: "braces inside strings",
			text: `{"decision":"approve","justification":"handles } and { in strings","confidence":0.6}`,
			want: review.Verdict{Decision: review.Approve, Justification: "handles } and { in strings", Concerns: []string{}, Suggestions: []string{}, Confidence: 0.6},
		},
		{
			name: "skips object without decision",
			text: "Config was {\"a\": 1}. Verdict: {\"decision\":\"approve\",\"autoMerge\":true}",
			want: review.Verdict{Decision: review.Approve, Concerns: []string{}, Suggestions: []string{}, Confidence: 0.5, AutoMerge: true},
		},
		{
			name: "confidence clamped high",
			text: `{"decision":"approve","confidence":3}`,
			want: review.Verdict{Decision: review.Approve, Concerns: []string{}, Suggestions: []string{}, Confidence: 1},
		},
		{
			name: "confidence clamped low",
			text: `{"decision":"approve","confidence":-0.2}`,
			want: review.Verdict{Decision: review.Approve, Concerns: []string{}, Suggestions: []string{}, Confidence: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := review.ParseVerdict(tt.text).(review.Parsed)
			if !ok {
				t.Fatalf("got %#v, want Parsed", review.ParseVerdict(tt.text))
			}
			if diff := cmp.Diff(tt.want, out.Verdict); diff != "" {
				t.Errorf("verdict mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseVerdictUnparsable(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"prose only", "Looks good to me, ship it."},
		{"unknown decision", `{"decision":"merge it"}`},
		{"wrong confidence type", `{"decision":"approve","confidence":"high"}`},
		{"truncated object", `{"decision":"approve","justification":"cut`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := review.ParseVerdict(tt.text).(review.Unparsable)
			if !ok {
				t.Fatalf("got %#v, want Unparsable", review.ParseVerdict(tt.text))
			}
			if out.Reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestHeuristic(t *testing.T) {
	pass := review.Heuristic(true)
	if pass.Decision != review.Approve || pass.Confidence != 0.8 || !pass.AutoMerge || !pass.Heuristic {
		t.Errorf("got %+v, want approve/0.8/autoMerge", pass)
	}
	fail := review.Heuristic(false)
	if fail.Decision != review.NeedsChanges || fail.Confidence != 0.5 || fail.AutoMerge {
		t.Errorf("got %+v, want needs_changes/0.5/no autoMerge", fail)
	}
}
