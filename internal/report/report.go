// Package report summarises benchmark runs per config.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/benchloop/internal/result"
)

type BenchmarkSummary struct {
	ConfigID        string                `json:"config_id"`
	Runs            int                   `json:"runs"`
	Statuses        map[result.Status]int `json:"statuses"`
	SuccessRate     float64               `json:"success_rate"`
	MeanCycles      float64               `json:"mean_cycles"`
	MeanTasks       float64               `json:"mean_tasks"`
	MeanSpecPct     float64               `json:"mean_spec_completion_pct"`
	MeanCostUSD     float64               `json:"mean_cost_usd"`
	TotalCostUSD    float64               `json:"total_cost_usd"`
	MeanDurationSec float64               `json:"mean_duration_sec"`
}

// Generate writes a summary of runs in the given format: table, markdown or
// json. Unknown formats fall back to table.
func Generate(runs []*result.Run, format string, w io.Writer) error {
	summaries := Summarize(runs)
	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

// CollectRuns reads the final meta.json of every run under resultsDir.
// Unreadable metas are skipped.
func CollectRuns(resultsDir string) ([]*result.Run, error) {
	paths, err := filepath.Glob(filepath.Join(resultsDir, "runs", "*", "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("listing run metas: %w", err)
	}
	var runs []*result.Run
	for _, p := range paths {
		run, err := result.ReadRunMeta(p)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Summarize groups runs by config. Runs still in progress are left out.
func Summarize(runs []*result.Run) []BenchmarkSummary {
	type accum struct {
		BenchmarkSummary
		cycles, tasks int
		spec          float64
		duration      time.Duration
	}
	byConfig := map[string]*accum{}
	for _, r := range runs {
		if !r.Status.Terminal() {
			continue
		}
		a, ok := byConfig[r.ConfigID]
		if !ok {
			a = &accum{BenchmarkSummary: BenchmarkSummary{ConfigID: r.ConfigID, Statuses: map[result.Status]int{}}}
			byConfig[r.ConfigID] = a
		}
		a.Runs++
		a.Statuses[r.Status]++
		a.cycles += r.CyclesCompleted
		a.tasks += r.TasksCompleted
		a.spec += r.SpecCompletionPct
		a.TotalCostUSD += r.TotalCostUSD
		a.duration += time.Duration(r.TotalDurationMs) * time.Millisecond
	}

	summaries := make([]BenchmarkSummary, 0, len(byConfig))
	for _, a := range byConfig {
		n := float64(a.Runs)
		s := a.BenchmarkSummary
		s.SuccessRate = float64(a.Statuses[result.StatusSuccess]) / n
		s.MeanCycles = float64(a.cycles) / n
		s.MeanTasks = float64(a.tasks) / n
		s.MeanSpecPct = a.spec / n
		s.MeanCostUSD = a.TotalCostUSD / n
		s.MeanDurationSec = a.duration.Seconds() / n
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ConfigID < summaries[j].ConfigID
	})
	return summaries
}

var statusOrder = []result.Status{
	result.StatusSuccess,
	result.StatusLimitReached,
	result.StatusBlocked,
	result.StatusFailed,
}

func statusCell(counts map[result.Status]int) string {
	var parts []string
	for _, st := range statusOrder {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	return strings.Join(parts, " ")
}

func writeTable(summaries []BenchmarkSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BENCHMARK\tRUNS\tSUCCESS\tSTATUSES\tMEAN CYCLES\tMEAN TASKS\tMEAN SPEC\tMEAN COST\tTOTAL COST")
	fmt.Fprintln(tw, strings.Repeat("-", 100))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%s\t%.1f\t%.1f\t%.0f%%\t$%.2f\t$%.2f\n",
			s.ConfigID, s.Runs, s.SuccessRate*100, statusCell(s.Statuses),
			s.MeanCycles, s.MeanTasks, s.MeanSpecPct, s.MeanCostUSD, s.TotalCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []BenchmarkSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Benchmark | Runs | Success | Statuses | Mean Cycles | Mean Tasks | Mean Spec | Mean Cost | Total Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %s | %.1f | %.1f | %.0f%% | $%.2f | $%.2f |\n",
			s.ConfigID, s.Runs, s.SuccessRate*100, statusCell(s.Statuses),
			s.MeanCycles, s.MeanTasks, s.MeanSpecPct, s.MeanCostUSD, s.TotalCostUSD)
	}
	return nil
}

func writeJSON(summaries []BenchmarkSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}

// WriteRun prints one run's final status for the end of a CLI run.
func WriteRun(run *result.Run, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", run.ID)
	fmt.Fprintf(tw, "Benchmark\t%s\n", run.ConfigID)
	fmt.Fprintf(tw, "Status\t%s\n", run.Status)
	if run.StopReason != "" {
		fmt.Fprintf(tw, "Reason\t%s\n", run.StopReason)
	}
	fmt.Fprintf(tw, "Cycles\t%d\n", run.CyclesCompleted)
	fmt.Fprintf(tw, "Tasks\t%d\n", run.TasksCompleted)
	fmt.Fprintf(tw, "Tests\t%d passed, %d failed\n", run.TestsPassed, run.TestsFailed)
	fmt.Fprintf(tw, "Spec\t%.0f%%\n", run.SpecCompletionPct)
	fmt.Fprintf(tw, "Cost\t$%.2f\n", run.TotalCostUSD)
	fmt.Fprintf(tw, "Duration\t%s\n", (time.Duration(run.TotalDurationMs) * time.Millisecond).Round(time.Second))
	return tw.Flush()
}
