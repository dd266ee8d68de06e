package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxFailureChars = 1_500
	MaxSummaryChars = 8_000
)

// FailureSummary renders the failed criteria as feedback for the next agent
// session. Each failure is capped, as is the whole text.
func (s *Summary) FailureSummary() string {
	if len(s.Failures) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d acceptance criteria failed:\n", len(s.Failures))
	for _, f := range s.Failures {
		var entry strings.Builder
		fmt.Fprintf(&entry, "\n### %s (%s)", f.Criterion.ID, f.Criterion.Kind)
		if f.Criterion.Description != "" {
			fmt.Fprintf(&entry, ": %s", f.Criterion.Description)
		}
		entry.WriteString("\n")
		switch {
		case f.Result.TimedOut:
			entry.WriteString("Timed out.\n")
		case f.Result.ExitCode != nil:
			fmt.Fprintf(&entry, "Exit code: %d\n", *f.Result.ExitCode)
		}
		if out := excerpt(f.Result.Output, MaxFailureChars); out != "" {
			entry.WriteString("```\n")
			entry.WriteString(out)
			entry.WriteString("\n```\n")
		}
		b.WriteString(Truncate(entry.String(), MaxFailureChars))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, "\n%d further criteria were not checked.\n", s.Skipped)
	}
	return Truncate(b.String(), MaxSummaryChars)
}

var highSignal = regexp.MustCompile(`(?i)\b(fail(ed|ure)?|error|panic)\b|^\s*---\s*FAIL`)

const maxSignalLines = 20

// excerpt returns out unchanged when it fits, otherwise the lines that name
// a failure. Output without such lines falls back to head and tail.
func excerpt(out string, max int) string {
	out = strings.TrimSpace(out)
	if len(out) <= max {
		return out
	}
	var picked []string
	for _, line := range strings.Split(out, "\n") {
		if len(picked) >= maxSignalLines {
			break
		}
		if t := strings.TrimSpace(line); t != "" && highSignal.MatchString(line) {
			picked = append(picked, t)
		}
	}
	if len(picked) == 0 {
		return Truncate(out, max)
	}
	return Truncate(strings.Join(picked, "\n"), max)
}
