package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/errors"
)

// ConfigCmd shows and updates oltpoll configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
	Long: `Show the effective configuration or persist runtime overrides.

Overrides land in ~/.oltpoll/oltpoll_override.toml with rotating backups;
a running daemon picks the file change up through its watcher.

Examples:
  oltpoll config show
  oltpoll config set poller.slots 20
  oltpoll config set scheduler.max_executions_per_minute 10
  oltpoll config set snmp.requests_per_second 2.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		pterm.DefaultSection.Println("Database")
		pterm.Printf("  path: %s\n", cfg.GetDatabasePath())

		pterm.DefaultSection.Println("Server")
		pterm.Printf("  port: %d\n", cfg.GetServerPort())
		pterm.Printf("  allowed_origins: %v\n", cfg.GetServerAllowedOrigins())

		pterm.DefaultSection.Println("Poller")
		pterm.Printf("  slots: %d\n", cfg.Poller.Slots)
		pterm.Printf("  queue_factor: %d\n", cfg.Poller.QueueFactor)
		pterm.Printf("  lock_timeout_seconds: %d\n", cfg.Poller.LockTimeoutSeconds)
		pterm.Printf("  hard_ceiling_seconds: %d\n", cfg.Poller.HardCeilingSeconds)
		pterm.Printf("  shutdown_grace_seconds: %d\n", cfg.Poller.ShutdownGraceSeconds)

		pterm.DefaultSection.Println("Scheduler")
		pterm.Printf("  tick_interval_seconds: %d\n", cfg.Scheduler.TickIntervalSeconds)
		pterm.Printf("  max_executions_per_minute: %d\n", cfg.Scheduler.MaxExecutionsPerMinute)
		pterm.Printf("  smoothing_window_seconds: %d\n", cfg.Scheduler.SmoothingWindowSeconds)
		pterm.Printf("  smoothing_hysteresis_seconds: %d\n", cfg.Scheduler.SmoothingHysteresisSeconds)

		pterm.DefaultSection.Println("SNMP")
		pterm.Printf("  profile_path: %s\n", cfg.SNMP.ProfilePath)
		pterm.Printf("  requests_per_second: %.1f\n", cfg.SNMP.RequestsPerSecond)
		pterm.Printf("  burst: %d\n", cfg.SNMP.Burst)
		pterm.Printf("  retries: %d\n", cfg.SNMP.Retries)

		pterm.DefaultSection.Println("Operations")
		for name, op := range cfg.Operations {
			pterm.Printf("  %s: timeout=%ds max_retries=%d retry_delay=%ds\n",
				name, op.TimeoutSeconds, op.MaxRetries, op.RetryDelaySeconds)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a runtime override",
	Long: `Persist one of the runtime-tunable settings to the override file.

Supported keys:
  poller.slots
  scheduler.max_executions_per_minute
  snmp.requests_per_second`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		switch key {
		case "poller.slots":
			n, err := strconv.Atoi(value)
			if err != nil {
				return errors.Newf("invalid slot count %q", value)
			}
			if err := config.UpdatePollerSlots(n); err != nil {
				return err
			}

		case "scheduler.max_executions_per_minute":
			n, err := strconv.Atoi(value)
			if err != nil {
				return errors.Newf("invalid per-minute cap %q", value)
			}
			if err := config.UpdateSchedulerMaxPerMinute(n); err != nil {
				return err
			}

		case "snmp.requests_per_second":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return errors.Newf("invalid rate %q", value)
			}
			if err := config.UpdateSNMPRequestsPerSecond(f); err != nil {
				return err
			}

		default:
			return errors.Newf("unsupported config key %q", key)
		}

		pterm.Success.Printf("Set %s = %s in %s\n", key, value, config.GetOverrideConfigPath())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the configuration file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		pterm.Printf("system:   /etc/oltpoll/config.toml\n")
		pterm.Printf("user:     ~/.oltpoll/oltpoll.toml\n")
		pterm.Printf("override: %s\n", config.GetOverrideConfigPath())
		pterm.Printf("project:  oltpoll.toml (nearest, walking up from the working directory)\n")
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configSetCmd)
	ConfigCmd.AddCommand(configPathCmd)
}
