package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/review"
	"github.com/signalnine/benchloop/internal/validation"
)

func newReviewCmd(v *viper.Viper) *cobra.Command {
	var workDir, task, testCmd string
	var testsPassed bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Ask the reviewer agent for a verdict on the working tree's changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			req := review.Request{WorkDir: workDir, Task: task, TestsPassed: testsPassed}
			if testCmd != "" {
				tr, err := validation.RunTests(ctx, workDir, testCmd, 0)
				if err != nil {
					return err
				}
				req.TestsPassed = tr.ExitCode == 0 && !tr.TimedOut
				req.TestOutput = tr.Output
			}
			gate := review.NewGate(a.agentRunner(), a.logger,
				review.WithModel(a.cfg.Review.Model),
				review.WithTimeout(a.cfg.Review.Timeout),
				review.WithConventions(a.cfg.Review.Conventions),
			)
			verdict, err := gate.Review(ctx, req)
			if err != nil {
				return fmt.Errorf("reviewing %s: %w", workDir, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(verdict)
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", ".", "git working tree to review")
	cmd.Flags().StringVar(&task, "task", "", "task description given to the reviewer")
	cmd.Flags().BoolVar(&testsPassed, "tests-passed", false, "report the tests as passing")
	cmd.Flags().StringVar(&testCmd, "test-command", "", "run this command to decide whether tests pass")
	return cmd
}
