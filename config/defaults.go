package config

import "github.com/spf13/viper"

// DefaultDirPermissions is used when creating the ~/.oltpoll directory.
const DefaultDirPermissions = 0750

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "oltpoll.db")

	// Poller pool defaults
	v.SetDefault("poller.slots", 10)
	v.SetDefault("poller.queue_factor", 4)
	v.SetDefault("poller.lock_timeout_seconds", 60)    // per-OLT lock acquire timeout
	v.SetDefault("poller.hard_ceiling_seconds", 180)   // wall-clock cap per execution
	v.SetDefault("poller.shutdown_grace_seconds", 30)

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 30)
	v.SetDefault("scheduler.max_executions_per_minute", 6)
	v.SetDefault("scheduler.smoothing_window_seconds", 180)
	v.SetDefault("scheduler.smoothing_hysteresis_seconds", 30)

	// SNMP worker defaults
	v.SetDefault("snmp.profile_path", "")
	v.SetDefault("snmp.requests_per_second", 5.0)
	v.SetDefault("snmp.burst", 2)
	v.SetDefault("snmp.retries", 1)

	// Per-operation execution parameters. Discovery walks a whole ONT
	// tree and is never retried; reads retry on transient failures.
	v.SetDefault("operations.discovery.timeout_seconds", 10)
	v.SetDefault("operations.discovery.max_retries", 0)
	v.SetDefault("operations.discovery.retry_delay_seconds", 0)

	v.SetDefault("operations.get.timeout_seconds", 5)
	v.SetDefault("operations.get.max_retries", 2)
	v.SetDefault("operations.get.retry_delay_seconds", 120)

	v.SetDefault("operations.walk.timeout_seconds", 15)
	v.SetDefault("operations.walk.max_retries", 2)
	v.SetDefault("operations.walk.retry_delay_seconds", 120)

	v.SetDefault("operations.table.timeout_seconds", 20)
	v.SetDefault("operations.table.max_retries", 1)
	v.SetDefault("operations.table.retry_delay_seconds", 180)

	v.SetDefault("operations.bulk.timeout_seconds", 15)
	v.SetDefault("operations.bulk.max_retries", 2)
	v.SetDefault("operations.bulk.retry_delay_seconds", 120)

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds deployment-specific configuration
// to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "OLTPOLL_DATABASE_PATH")
	v.BindEnv("server.port", "OLTPOLL_SERVER_PORT")
	v.BindEnv("snmp.profile_path", "OLTPOLL_SNMP_PROFILE_PATH")
}
