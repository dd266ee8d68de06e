package review

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/signalnine/benchloop/internal/gitops"
)

const (
	MaxConventionChars = 4_000
	MaxConventionDocs  = 2
	maxTestOutputChars = 4_000
)

var DefaultConventions = []string{"CLAUDE.md", "CONVENTIONS.md"}

type Convention struct {
	Name string
	Text string
}

// LoadConventions reads up to two of the named files from dir, skipping any
// that are missing and truncating each.
func LoadConventions(dir string, names []string) []Convention {
	var docs []Convention
	for _, name := range names {
		if len(docs) == MaxConventionDocs {
			break
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		docs = append(docs, Convention{Name: name, Text: truncate(string(data), MaxConventionChars)})
	}
	return docs
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "\n[truncated]"
}

type PromptInput struct {
	Task        string
	Diff        *gitops.Diff
	TestsPassed bool
	TestOutput  string
	Conventions []Convention
}

func BuildPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString("You are reviewing a code change made by an autonomous coding agent. Decide whether it can be merged.\n\n")
	fmt.Fprintf(&b, "## Task\n\n%s\n\n", in.Task)

	status := "FAILED"
	if in.TestsPassed {
		status = "PASSED"
	}
	fmt.Fprintf(&b, "## Tests\n\n%s\n", status)
	if out := strings.TrimSpace(in.TestOutput); out != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", truncate(out, maxTestOutputChars))
	}

	st := in.Diff.Stats
	fmt.Fprintf(&b, "\n## Diff\n\n%d files changed, %d insertions, %d deletions (base %s)\n\n```diff\n%s\n```\n",
		st.Files, st.Insertions, st.Deletions, in.Diff.Base, in.Diff.Text)

	for _, c := range in.Conventions {
		fmt.Fprintf(&b, "\n## Project conventions: %s\n\n%s\n", c.Name, c.Text)
	}

	b.WriteString(`
## Response

Respond with exactly one JSON object and nothing else:

{"decision": "approve" | "needs_changes" | "reject",
 "justification": "one paragraph",
 "concerns": ["..."],
 "suggestions": ["..."],
 "confidence": 0.0 to 1.0,
 "auto_merge": true | false}

Use reject only when the change is harmful or unrelated to the task. Set auto_merge to true only if the change is safe to merge without a human looking at it.
`)
	return b.String()
}
