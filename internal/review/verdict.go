package review

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type Decision string

const (
	Approve      Decision = "approve"
	NeedsChanges Decision = "needs_changes"
	Reject       Decision = "reject"
)

const defaultConfidence = 0.5

// Verdict is the reviewer's structured decision. Its JSON encoding is the
// review payload handed to callers.
type Verdict struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
	Concerns      []string `json:"concerns"`
	Suggestions   []string `json:"suggestions"`
	Confidence    float64  `json:"confidence"`
	AutoMerge     bool     `json:"autoMerge"`
	// Heuristic marks a verdict produced without a usable reviewer answer.
	Heuristic bool `json:"-"`
}

// Heuristic is the fallback verdict when the reviewer's output cannot be used.
func Heuristic(testsPassed bool) Verdict {
	if testsPassed {
		return Verdict{
			Decision:      Approve,
			Justification: "Reviewer output was unusable; approving because tests passed.",
			Concerns:      []string{},
			Suggestions:   []string{},
			Confidence:    0.8,
			AutoMerge:     true,
			Heuristic:     true,
		}
	}
	return Verdict{
		Decision:      NeedsChanges,
		Justification: "Reviewer output was unusable and tests did not pass.",
		Concerns:      []string{"tests did not pass"},
		Suggestions:   []string{},
		Confidence:    defaultConfidence,
		AutoMerge:     false,
		Heuristic:     true,
	}
}

// Outcome is either Parsed or Unparsable.
type Outcome interface {
	isOutcome()
}

type Parsed struct {
	Verdict Verdict
}

type Unparsable struct {
	Reason string
}

func (Parsed) isOutcome()     {}
func (Unparsable) isOutcome() {}

const verdictSchemaJSON = `{
  "type": "object",
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string", "enum": ["approve", "needs_changes", "reject"]},
    "justification": {"type": "string"},
    "concerns": {"type": "array", "items": {"type": "string"}},
    "suggestions": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number"},
    "auto_merge": {"type": "boolean"},
    "autoMerge": {"type": "boolean"}
  }
}`

var verdictSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verdictSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("review: compiling verdict schema: %v", err))
	}
	return s
}()

type rawVerdict struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
	Concerns      []string `json:"concerns"`
	Suggestions   []string `json:"suggestions"`
	Confidence    *float64 `json:"confidence"`
	AutoMerge     *bool    `json:"auto_merge"`
	AutoMergeAlt  *bool    `json:"autoMerge"`
}

// ParseVerdict extracts the first JSON object with a "decision" key from the
// reviewer's text, validates it and fills defaults.
func ParseVerdict(text string) Outcome {
	text = stripFences(text)
	obj, ok := firstDecisionObject(text)
	if !ok {
		return Unparsable{Reason: "no JSON object with a decision key"}
	}

	res, err := verdictSchema.Validate(gojsonschema.NewStringLoader(obj))
	if err != nil {
		return Unparsable{Reason: fmt.Sprintf("validating verdict: %v", err)}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Unparsable{Reason: "invalid verdict: " + strings.Join(msgs, "; ")}
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Unparsable{Reason: fmt.Sprintf("decoding verdict: %v", err)}
	}
	v := Verdict{
		Decision:      raw.Decision,
		Justification: raw.Justification,
		Concerns:      raw.Concerns,
		Suggestions:   raw.Suggestions,
		Confidence:    defaultConfidence,
	}
	if raw.Confidence != nil {
		v.Confidence = min(1, max(0, *raw.Confidence))
	}
	switch {
	case raw.AutoMerge != nil:
		v.AutoMerge = *raw.AutoMerge
	case raw.AutoMergeAlt != nil:
		v.AutoMerge = *raw.AutoMergeAlt
	}
	if v.Concerns == nil {
		v.Concerns = []string{}
	}
	if v.Suggestions == nil {
		v.Suggestions = []string{}
	}
	return Parsed{Verdict: v}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// firstDecisionObject scans every balanced {...} span in order and returns
// the first that decodes as an object with a decision key.
func firstDecisionObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := balancedEnd(s, start); end > 0 {
			candidate := s[start : end+1]
			var probe map[string]json.RawMessage
			if json.Unmarshal([]byte(candidate), &probe) == nil {
				if _, ok := probe["decision"]; ok {
					return candidate, true
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// balancedEnd returns the index of the brace closing the one at start,
// ignoring braces inside JSON strings, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
