package iteration

import (
	"fmt"
	"strings"
)

// RespawnPrompt is the task given to the agent for a retry.
func RespawnPrompt(original, failures string, iteration, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is iteration %d of %d. The previous attempt did not pass its acceptance criteria.\n\n", iteration, max)
	if failures != "" {
		b.WriteString("## Failures\n\n")
		b.WriteString(failures)
		b.WriteString("\n\n")
	}
	b.WriteString("## Original task\n\n")
	b.WriteString(original)
	b.WriteString("\n\nFix the failures above without breaking criteria that already pass. Do not weaken or delete the checks themselves.\n")
	return b.String()
}
