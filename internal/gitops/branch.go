package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var unsafeBranchChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BranchFailedWork commits the working tree to a new wip branch and
// switches back, leaving the original branch as it was before the attempt.
// It returns the branch name.
func BranchFailedWork(ctx context.Context, dir, unitID, summary string) (string, error) {
	g := New(dir)
	current, err := g.CurrentBranch(ctx)
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	if current == "HEAD" {
		// Detached, as after a tag clone; return to the commit itself.
		if current, err = g.run(ctx, "rev-parse", "HEAD"); err != nil {
			return "", err
		}
	}
	name := fmt.Sprintf("wip/benchloop-fail-%s-%s",
		strings.Trim(unsafeBranchChars.ReplaceAllString(unitID, "-"), "-."),
		time.Now().Format("20060102-150405"))

	if _, err := g.run(ctx, "checkout", "-b", name); err != nil {
		name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
		if _, err := g.run(ctx, "checkout", "-b", name); err != nil {
			return "", err
		}
	}
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("benchloop: failed attempt for %s\n\n%s", unitID, summary)
	if err := g.commit(ctx, msg); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "checkout", current); err != nil {
		return name, fmt.Errorf("returning to %s: %w", current, err)
	}
	return name, nil
}

// commit falls back to a fixed identity when none is configured.
func (g *Git) commit(ctx context.Context, msg string) error {
	cmd := exec.CommandContext(ctx, "git", "commit", "--allow-empty", "--no-verify", "-m", msg)
	cmd.Dir = g.Dir
	cmd.Env = os.Environ()
	for _, kv := range []string{
		"GIT_AUTHOR_NAME=benchloop", "GIT_AUTHOR_EMAIL=benchloop@localhost",
		"GIT_COMMITTER_NAME=benchloop", "GIT_COMMITTER_EMAIL=benchloop@localhost",
	} {
		if _, ok := os.LookupEnv(kv[:strings.Index(kv, "=")]); !ok {
			cmd.Env = append(cmd.Env, kv)
		}
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %s: %w", out, err)
	}
	return nil
}
