package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured benchmarks and stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Benchmarks:")
			for _, b := range a.cfg.Benchmarks {
				source := b.WorkDir
				if b.Repo != "" {
					source = b.Repo + "@" + b.Tag
				}
				if b.SpecFile != "" && len(b.Units) == 0 {
					fmt.Fprintf(out, "  - %s (%s, spec: %s)\n", b.ID, source, b.SpecFile)
				} else {
					fmt.Fprintf(out, "  - %s (%s, units: %d)\n", b.ID, source, len(b.Units))
				}
			}

			runs, err := a.store.ListRuns(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("listing runs: %w", err)
			}
			fmt.Fprintln(out, "\nRuns:")
			if len(runs) == 0 {
				fmt.Fprintln(out, "  (none)")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "  ID\tBENCHMARK\tSTATUS\tCYCLES\tCOST\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t$%.2f\t%s\n",
					r.ID, r.ConfigID, r.Status, r.CyclesCompleted, r.TotalCostUSD, r.StartedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}
