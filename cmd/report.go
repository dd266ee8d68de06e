package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/report"
	"github.com/signalnine/benchloop/internal/result"
)

func newReportCmd(v *viper.Viper) *cobra.Command {
	var format string
	var fromResults bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise finished runs per benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []*result.Run
			if fromResults {
				cfg, err := loadConfig(v)
				if err != nil {
					return err
				}
				if runs, err = report.CollectRuns(cfg.Results.Dir); err != nil {
					return err
				}
			} else {
				a, err := bootstrap(cmd.Context(), v)
				if err != nil {
					return err
				}
				defer a.Close()
				if runs, err = a.store.ListRuns(cmd.Context(), ""); err != nil {
					return fmt.Errorf("listing runs: %w", err)
				}
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no runs found")
			}
			return report.Generate(runs, format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().BoolVar(&fromResults, "from-results", false, "read run metas from the results directory instead of the store")
	return cmd
}
