package lifecycle

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
)

// CheckBudgets reports the first exhausted cap. Zero caps are disabled.
// Budgets are only consulted between cycles, so a single cycle may overshoot.
func CheckBudgets(cfg *config.Benchmark, run *result.Run, elapsed time.Duration) (string, bool) {
	switch {
	case cfg.MaxCostUSD > 0 && run.TotalCostUSD >= cfg.MaxCostUSD:
		return fmt.Sprintf("cost budget reached: $%.2f of $%.2f", run.TotalCostUSD, cfg.MaxCostUSD), true
	case cfg.MaxDuration > 0 && elapsed >= cfg.MaxDuration:
		return fmt.Sprintf("time budget reached: %s of %s", elapsed.Round(time.Second), cfg.MaxDuration), true
	case cfg.MaxCycles > 0 && run.CyclesCompleted >= cfg.MaxCycles:
		return fmt.Sprintf("cycle budget reached: %d of %d", run.CyclesCompleted, cfg.MaxCycles), true
	}
	return "", false
}

// Downgrade applies the negligible-progress guard: a success or
// limit_reached run below minPct spec completion that completed no tasks
// is failed, with the cause appended to its reason.
func Downgrade(status result.Status, reason string, specPct float64, tasksCompleted int, minPct float64) (result.Status, string) {
	if status != result.StatusSuccess && status != result.StatusLimitReached {
		return status, reason
	}
	if specPct >= minPct || tasksCompleted > 0 {
		return status, reason
	}
	note := fmt.Sprintf("downgraded from %s: spec completion %.1f%% is below %.1f%% and no tasks were completed", status, specPct, minPct)
	if reason != "" {
		note = reason + "; " + note
	}
	return result.StatusFailed, note
}

var checkbox = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+\[([ xX])\]`)

// SpecCompletion counts checked against total markdown checklist items.
// A spec with no checklist is 0% complete.
func SpecCompletion(text string) float64 {
	total, checked := 0, 0
	for _, m := range checkbox.FindAllStringSubmatch(text, -1) {
		total++
		if m[1] != " " {
			checked++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(checked) / float64(total)
}

func SpecFileCompletion(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading spec file: %w", err)
	}
	return SpecCompletion(string(data)), nil
}
