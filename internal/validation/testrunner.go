package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type TestResult struct {
	Score    float64
	Passed   int
	Failed   int
	Output   string
	ExitCode int
	TimedOut bool
}

// RunTests executes the benchmark's test command in workDir and returns the
// parsed counts. A failing suite is not an error.
func RunTests(ctx context.Context, workDir, testCmd string, timeout time.Duration) (*TestResult, error) {
	if timeout <= 0 {
		timeout = CommandTimeout
	}
	out, exitCode, err := runShell(ctx, workDir, testCmd, timeout)
	if err == errTimedOut {
		r := ParseTestResults(out, 1)
		r.TimedOut = true
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running tests: %w", err)
	}
	return ParseTestResults(out, exitCode), nil
}

// ParseTestResults interprets test output and exit code into counts and a
// pass-rate score.
func ParseTestResults(output string, exitCode int) *TestResult {
	r := &TestResult{Output: Truncate(output, MaxOutputChars), ExitCode: exitCode}
	r.Passed, r.Failed = parseCounts(output)
	total := r.Passed + r.Failed
	switch {
	case exitCode == 0:
		r.Score = 1.0
	case total > 0:
		r.Score = float64(r.Passed) / float64(total)
	}
	if exitCode != 0 && r.Failed == 0 {
		// The suite failed without reporting which tests; count it as one.
		r.Failed = 1
	}
	return r
}

var (
	summaryPassed = regexp.MustCompile(`(\d+) (?:passed|passing)`)
	summaryFailed = regexp.MustCompile(`(\d+) (?:failed|failing)`)
	goTestPass    = regexp.MustCompile(`(?m)^\s*--- PASS: `)
	goTestFail    = regexp.MustCompile(`(?m)^\s*--- FAIL: `)
)

func parseCounts(output string) (passed, failed int) {
	if strings.Contains(output, "<testsuite") {
		return parseJUnitXML(output)
	}
	if p, f := len(goTestPass.FindAllString(output, -1)), len(goTestFail.FindAllString(output, -1)); p+f > 0 {
		return p, f
	}
	// The last summary line wins, as watchers print several.
	for _, line := range strings.Split(output, "\n") {
		if m := summaryPassed.FindStringSubmatch(line); m != nil {
			passed, _ = strconv.Atoi(m[1])
			failed = 0
			if m := summaryFailed.FindStringSubmatch(line); m != nil {
				failed, _ = strconv.Atoi(m[1])
			}
		} else if m := summaryFailed.FindStringSubmatch(line); m != nil {
			failed, _ = strconv.Atoi(m[1])
		}
	}
	return passed, failed
}

func parseJUnitXML(output string) (passed, failed int) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") || strings.Contains(line, "<testsuites") {
			continue
		}
		tests, _ := strconv.Atoi(extractAttr(line, "tests"))
		failures, _ := strconv.Atoi(extractAttr(line, "failures"))
		errs, _ := strconv.Atoi(extractAttr(line, "errors"))
		p := tests - failures - errs
		if p < 0 {
			p = 0
		}
		passed += p
		failed += failures + errs
	}
	return passed, failed
}

func extractAttr(line, attr string) string {
	key := " " + attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
