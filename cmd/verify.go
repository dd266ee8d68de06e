package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/runner"
	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/validation"
	"github.com/signalnine/benchloop/internal/work"
)

var errVerificationFailed = errors.New("verification failed")

type verifyOpts struct {
	benchmarkID string
	unitID      string
	runID       string
	workDir     string
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	var opts verifyOpts
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a unit's acceptance criteria against a working tree",
		Long: "Runs every automatic criterion of the unit once and prints the results. " +
			"With --run the stored criteria of that run are checked and their status updated; " +
			"otherwise the criteria come from the config and nothing is persisted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()
			return verifyUnit(cmd.Context(), a, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.benchmarkID, "benchmark", "", "benchmark id")
	cmd.Flags().StringVar(&opts.unitID, "unit", "", "unit id as written in the config")
	cmd.Flags().StringVar(&opts.runID, "run", "", "verify the stored criteria of this run")
	cmd.Flags().StringVar(&opts.workDir, "workdir", "", "working tree to check (default: the benchmark workdir)")
	_ = cmd.MarkFlagRequired("benchmark")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func verifyUnit(ctx context.Context, a *app, opts verifyOpts, out io.Writer) error {
	b, err := a.benchmark(opts.benchmarkID)
	if err != nil {
		return err
	}
	workDir := opts.workDir
	if workDir == "" {
		workDir = b.WorkDir
	}

	var criteria validation.CriteriaStore = a.store
	unitID := runner.UnitID(opts.runID, opts.unitID)
	if opts.runID == "" {
		mem, err := seedUnit(ctx, b, opts.unitID)
		if err != nil {
			return err
		}
		criteria, unitID = mem, opts.unitID
	}

	engine := validation.NewEngine(criteria, a.logger)
	sum, err := engine.Verify(ctx, validation.Request{UnitID: unitID, WorkDir: workDir})
	if err != nil {
		return err
	}
	if err := printSummary(out, sum); err != nil {
		return err
	}
	if !sum.AutoCriteriaPassed {
		return errVerificationFailed
	}
	return nil
}

// seedUnit loads one configured unit and its criteria into a throwaway store.
func seedUnit(ctx context.Context, b *config.Benchmark, unitID string) (*store.Memory, error) {
	for i := range b.Units {
		cu := &b.Units[i]
		if cu.ID != unitID {
			continue
		}
		mem := store.NewMemory()
		if err := mem.CreateUnit(ctx, &work.Unit{ID: cu.ID, Title: cu.Title, Prompt: cu.Prompt, Status: work.UnitPending}); err != nil {
			return nil, err
		}
		for _, c := range cu.Criteria {
			c.UnitID = cu.ID
			c.Status = work.CriterionPending
			if err := mem.CreateCriterion(ctx, &c); err != nil {
				return nil, err
			}
		}
		return mem, nil
	}
	return nil, fmt.Errorf("unit %q in benchmark %s: %w", unitID, b.ID, store.ErrNotFound)
}

func printSummary(out io.Writer, sum *validation.Summary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CRITERION\tKIND\tRESULT\tDURATION")
	for _, r := range sum.Results {
		verdict := "PASS"
		switch {
		case r.TimedOut:
			verdict = "TIMEOUT"
		case !r.Passed:
			verdict = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.CriterionID, r.Kind, verdict, r.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if sum.ManualPending > 0 {
		fmt.Fprintf(out, "\n%d manual criteria awaiting a decision\n", sum.ManualPending)
	}
	if fs := sum.FailureSummary(); fs != "" {
		fmt.Fprintf(out, "\n%s\n", fs)
	}
	return nil
}
