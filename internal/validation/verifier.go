package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/signalnine/benchloop/internal/work"
)

const (
	CommandTimeout = 5 * time.Minute
	// MaxOutputChars bounds stored output. Expected-output patterns are
	// still checked line by line against everything the command printed.
	MaxOutputChars = 10_000
)

// Verifier executes acceptance criteria. The zero value uses CommandTimeout.
type Verifier struct {
	Timeout time.Duration
}

// RunVerifier checks one criterion against workDir with the default Verifier.
func RunVerifier(ctx context.Context, c *work.Criterion, workDir string) work.VerifierResult {
	var v Verifier
	return v.Run(ctx, c, workDir)
}

// Run never returns an error: every failure, panics included, becomes a
// failed result whose output carries the message.
func (v *Verifier) Run(ctx context.Context, c *work.Criterion, workDir string) (res work.VerifierResult) {
	start := time.Now()
	res = work.VerifierResult{CriterionID: c.ID, Kind: c.Kind}
	defer func() {
		if r := recover(); r != nil {
			res.Passed = false
			res.Pending = false
			res.Output = fmt.Sprintf("verifier panicked: %v", r)
		}
		res.Duration = time.Since(start)
		res.Timestamp = time.Now().UTC()
	}()

	switch c.Kind {
	case work.KindCommand:
		want := 0
		if c.ExpectedExitCode != nil {
			want = *c.ExpectedExitCode
		}
		v.runCommand(ctx, &res, c.Command, want, c.ExpectedOutput, workDir)
	case work.KindTestPass:
		v.runCommand(ctx, &res, c.TestCommand, 0, c.TestPattern, workDir)
	case work.KindFileExists:
		checkFileExists(&res, resolvePath(workDir, c.Path))
	case work.KindGrep:
		shouldMatch := true
		if c.ShouldMatch != nil {
			shouldMatch = *c.ShouldMatch
		}
		checkGrep(&res, resolvePath(workDir, c.File), c.Pattern, shouldMatch)
	case work.KindManual:
		res.Pending = true
		res.Output = c.Checklist
		if res.Output == "" {
			res.Output = c.Description
		}
	default:
		res.Output = fmt.Sprintf("unknown verifier kind %q", c.Kind)
	}
	return res
}

func (v *Verifier) timeout() time.Duration {
	if v.Timeout > 0 {
		return v.Timeout
	}
	return CommandTimeout
}

func (v *Verifier) runCommand(ctx context.Context, res *work.VerifierResult, command string, wantExit int, pattern, workDir string) {
	if strings.TrimSpace(command) == "" {
		res.Output = "no command configured"
		return
	}
	timeout := v.timeout()
	out, exitCode, seen, err := runShellWatch(ctx, workDir, command, timeout, pattern)
	switch {
	case errors.Is(err, errTimedOut):
		res.TimedOut = true
		res.Output = Truncate(fmt.Sprintf("command timed out after %s and was killed\n%s", timeout, out), MaxOutputChars)
		return
	case err != nil:
		res.Output = Truncate(fmt.Sprintf("%v\n%s", err, out), MaxOutputChars)
		return
	}

	res.ExitCode = &exitCode
	res.Passed = exitCode == wantExit
	if res.Passed && pattern != "" && !seen && !Match(pattern, out) {
		res.Passed = false
		out = fmt.Sprintf("%s\n[expected output %q not found]", out, pattern)
	} else if exitCode != wantExit {
		out = fmt.Sprintf("%s\n[exit code %d, expected %d]", out, exitCode, wantExit)
	}
	res.Output = Truncate(out, MaxOutputChars)
}

var errTimedOut = errors.New("timed out")

// runShell runs command with sh -c in dir. On timeout the whole process
// group is killed and errTimedOut is returned. A non-zero exit is not an
// error; it is reported through exitCode.
func runShell(ctx context.Context, dir, command string, timeout time.Duration) (string, int, error) {
	out, exitCode, _, err := runShellWatch(ctx, dir, command, timeout, "")
	return out, exitCode, err
}

// runShellWatch is runShell that also reports whether pattern matched any
// single line of the full output, which the returned capture may have
// dropped from its middle.
func runShellWatch(ctx context.Context, dir, command string, timeout time.Duration, pattern string) (string, int, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = dir
	buf := newBoundedBuffer(MaxOutputChars)
	if pattern != "" {
		buf.watch = matcher(pattern)
	}
	cmd.Stdout = buf
	cmd.Stderr = buf
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	out := buf.String()
	seen := buf.Matched()
	if ctx.Err() != nil {
		return out, -1, seen, fmt.Errorf("verification cancelled: %w", ctx.Err())
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return out, -1, seen, errTimedOut
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), seen, nil
		}
		return out, -1, seen, fmt.Errorf("running command: %w", err)
	}
	return out, 0, seen, nil
}

func checkFileExists(res *work.VerifierResult, path string) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			res.Output = fmt.Sprintf("file not found: %s", path)
		} else {
			res.Output = fmt.Sprintf("checking %s: %v", path, err)
		}
		return
	}
	res.Passed = true
	res.Output = fmt.Sprintf("file exists: %s", path)
}

func checkGrep(res *work.VerifierResult, path, pattern string, shouldMatch bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			res.Output = fmt.Sprintf("file not found: %s", path)
		} else {
			res.Output = fmt.Sprintf("reading %s: %v", path, err)
		}
		return
	}
	matched := Match(pattern, string(data))
	res.Passed = matched == shouldMatch
	switch {
	case matched && shouldMatch:
		res.Output = fmt.Sprintf("pattern %q found in %s", pattern, path)
	case matched:
		res.Output = fmt.Sprintf("pattern %q found in %s but must not match", pattern, path)
	case shouldMatch:
		res.Output = fmt.Sprintf("pattern %q not found in %s", pattern, path)
	default:
		res.Output = fmt.Sprintf("pattern %q absent from %s as required", pattern, path)
	}
}

// Match treats pattern as a regular expression, falling back to a plain
// substring test when it does not compile.
func Match(pattern, text string) bool {
	return matcher(pattern)(text)
}

func matcher(pattern string) func(string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return func(text string) bool { return strings.Contains(text, pattern) }
	}
	return re.MatchString
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}
