package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd builds the CLI. Persistent flags can also be set through
// BENCHLOOP_* environment variables, e.g. BENCHLOOP_STORE_URL.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("BENCHLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "benchloop",
		Short:         "Run agentic coding benchmarks in verified, budgeted cycles",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.String("config", "benchloop.yaml", "config file path")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json, console)")
	pf.String("store-url", "", "store connection URL, overrides store.url")
	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newListCmd(v))
	root.AddCommand(newReportCmd(v))
	root.AddCommand(newVerifyCmd(v))
	root.AddCommand(newReviewCmd(v))
	root.AddCommand(newCriterionCmd(v))
	return root
}
