package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/cmd/oltpoll/commands"
	"github.com/fiberhive/oltpoll/logger"
)

var rootCmd = &cobra.Command{
	Use:   "oltpoll",
	Short: "oltpoll - SNMP polling scheduler for OLT fleets",
	Long: `oltpoll - SNMP polling scheduler for optical line terminal fleets.

oltpoll schedules recurring SNMP polls against a fleet of OLTs, runs them
through a bounded poller pool with per-device mutual exclusion, retries
transient failures, and exposes the whole thing over a JSON API plus a
WebSocket execution stream.

Available commands:
  serve   - Start the polling daemon and observability server
  status  - Show pool and scheduler status of a running daemon
  jobs    - Manage polling jobs
  olts    - Manage OLT devices
  config  - Show or update configuration
  version - Show version information

Examples:
  oltpoll serve                          # Start the daemon
  oltpoll olts add --name lab1 --host 10.0.0.5
  oltpoll jobs add --olt <id> --type discovery --interval 300
  oltpoll status                         # Query the running daemon`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.InitializeWithVerbosity(false, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.OltsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
