package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
func rootCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "perfwatch",
		Short: "Samples component metrics and raises degradation alerts",
		Long: `perfwatch periodically samples metrics from registered components
(Prometheus queries, model APIs, the local host), keeps a bounded history,
checks static thresholds and trends, and raises alerts once per transition.

Quick start:
  perfwatch run --config configs/config.yaml    # Start sampling and serve /metrics
  perfwatch alerts --db data/alerts.db --since 24h`,
		SilenceUsage: true,
	}

	cmd.AddCommand(RunCommand())
	cmd.AddCommand(AlertsCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	var root = rootCmd()
	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
