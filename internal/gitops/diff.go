package gitops

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	MaxDiffChars = 60_000
	// emptyTree is git's well-known hash of the empty tree.
	emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	maxLookback = 5
)

var ErrDiffUnavailable = errors.New("diff unavailable")

type Stats struct {
	Files      int `json:"files"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

type Diff struct {
	Base      string
	Text      string
	Truncated bool
	Stats     Stats
}

// ReviewDiff diffs the working tree, uncommitted and untracked work
// included, against the most plausible base: the merge-base with the
// tracked upstream, else up to five commits back, else the empty tree for a
// single-commit repository. It returns ErrDiffUnavailable when none apply.
func ReviewDiff(ctx context.Context, dir string) (*Diff, error) {
	g := New(dir)
	if !g.IsRepo(ctx) {
		return nil, fmt.Errorf("%s is not a git repository: %w", dir, ErrDiffUnavailable)
	}
	base, err := g.reviewBase(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.intentToAddUntracked(ctx); err != nil {
		return nil, fmt.Errorf("staging untracked files: %w", err)
	}

	text, err := g.run(ctx, "diff", base)
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}
	shortstat, err := g.run(ctx, "diff", "--shortstat", base)
	if err != nil {
		return nil, fmt.Errorf("computing diff stats: %w", err)
	}
	d := &Diff{Base: base, Text: text, Stats: ParseShortstat(shortstat)}
	if len(d.Text) > MaxDiffChars {
		d.Text = fmt.Sprintf("%s\n\n[diff truncated: %d of %d chars shown]", d.Text[:MaxDiffChars], MaxDiffChars, len(text))
		d.Truncated = true
	}
	return d, nil
}

func (g *Git) reviewBase(ctx context.Context) (string, error) {
	if _, err := g.run(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"); err == nil {
		if base, err := g.run(ctx, "merge-base", "HEAD", "@{upstream}"); err == nil && base != "" {
			return base, nil
		}
	}
	out, err := g.run(ctx, "rev-list", "--count", "HEAD")
	if err != nil {
		return "", fmt.Errorf("repository has no commits: %w", ErrDiffUnavailable)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || count < 1 {
		return "", fmt.Errorf("unexpected commit count %q: %w", out, ErrDiffUnavailable)
	}
	if count == 1 {
		return emptyTree, nil
	}
	return fmt.Sprintf("HEAD~%d", min(maxLookback, count-1)), nil
}

// intentToAddUntracked records untracked files with git add -N so they
// appear in the diff without their content being staged.
func (g *Git) intentToAddUntracked(ctx context.Context) error {
	out, err := g.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	args := append([]string{"add", "--intent-to-add", "--"}, strings.Split(out, "\n")...)
	_, err = g.run(ctx, args...)
	return err
}

var shortstatNum = regexp.MustCompile(`(\d+) (file|insertion|deletion)`)

// ParseShortstat reads "N files changed, N insertions(+), N deletions(-)".
func ParseShortstat(s string) Stats {
	var st Stats
	for _, m := range shortstatNum.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "file":
			st.Files = n
		case "insertion":
			st.Insertions = n
		case "deletion":
			st.Deletions = n
		}
	}
	return st
}
