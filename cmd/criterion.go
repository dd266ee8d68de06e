package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalnine/benchloop/internal/validation"
)

func newCriterionCmd(v *viper.Viper) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:       "criterion <id> pass|fail",
		Short:     "Record a human decision on a manual criterion",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"pass", "fail"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, decision := args[0], args[1]
			if decision != "pass" && decision != "fail" {
				return fmt.Errorf("decision must be pass or fail, got %q", decision)
			}
			a, err := bootstrap(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()
			engine := validation.NewEngine(a.store, a.logger)
			if err := engine.SetManualDisposition(cmd.Context(), id, decision == "pass", notes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s marked %s\n", id, decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}
