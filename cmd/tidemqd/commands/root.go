package commands

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tidemqd",
	Short: "MQTT broker core daemon",
	Long: `tidemqd - MQTT broker core with durable offline delivery.

Runs the broker core on a badger-backed data directory: subscription
matching, session persistence, and per-client delivery queues. Protocol
listeners attach through the broker API.

Examples:
  tidemqd run --config tidemq.yaml
  tidemqd run --data-dir /var/lib/tidemq`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
