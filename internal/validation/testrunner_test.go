package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/signalnine/benchloop/internal/validation"
)

func TestParseTestResults(t *testing.T) {
	tests := []struct {
		name           string
		output         string
		exitCode       int
		passed, failed int
		score          float64
	}{
		{"pytest", "===== 8 passed, 2 failed in 0.5s =====", 1, 8, 2, 0.8},
		{"all pass", "10 passed", 0, 10, 0, 1.0},
		{"jest", "Tests:       1 failed, 3 passed, 4 total", 1, 3, 1, 0.75},
		{"go test", "--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.00s)\nFAIL", 1, 1, 1, 0.5},
		{"junit", `<testsuite name="x" tests="10" failures="2" errors="1">`, 1, 7, 3, 0.7},
		{"silent failure", "", 1, 0, 1, 0},
		{"silent success", "", 0, 0, 0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validation.ParseTestResults(tt.output, tt.exitCode)
			if r.Passed != tt.passed || r.Failed != tt.failed {
				t.Errorf("counts: got %d/%d, want %d/%d", r.Passed, r.Failed, tt.passed, tt.failed)
			}
			if r.Score != tt.score {
				t.Errorf("score: got %v, want %v", r.Score, tt.score)
			}
		})
	}
}

func TestRunTests(t *testing.T) {
	r, err := validation.RunTests(context.Background(), t.TempDir(), "echo '4 passed, 1 failed'; exit 1", time.Minute)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if r.Passed != 4 || r.Failed != 1 || r.ExitCode != 1 {
		t.Errorf("got %+v", r)
	}
}
