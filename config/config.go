// Package config loads and watches the oltpoll configuration.
//
// Configuration is layered (lowest to highest precedence): built-in
// defaults, /etc/oltpoll/config.toml, ~/.oltpoll/oltpoll.toml, a project
// oltpoll.toml found by walking up from the working directory, then
// OLTPOLL_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config represents the core oltpoll configuration
type Config struct {
	Database   DatabaseConfig             `mapstructure:"database"`
	Server     ServerConfig               `mapstructure:"server"`
	Poller     PollerConfig               `mapstructure:"poller"`
	Scheduler  SchedulerConfig            `mapstructure:"scheduler"`
	SNMP       SNMPConfig                 `mapstructure:"snmp"`
	Operations map[string]OperationConfig `mapstructure:"operations"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the observability HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 9161, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is the observability API port (161 is the SNMP agent port;
// 9161 keeps the association without needing privileges).
const DefaultServerPort = 9161

// PollerConfig configures the poller pool
type PollerConfig struct {
	Slots                int `mapstructure:"slots"`                  // concurrent execution slots (default: 10)
	QueueFactor          int `mapstructure:"queue_factor"`           // FIFO capacity = slots * factor (default: 4)
	LockTimeoutSeconds   int `mapstructure:"lock_timeout_seconds"`   // per-OLT lock acquire timeout (default: 60)
	HardCeilingSeconds   int `mapstructure:"hard_ceiling_seconds"`   // wall-clock cap per execution (default: 180)
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"` // drain window on Stop (default: 30)
}

// SchedulerConfig configures the dynamic scheduler
type SchedulerConfig struct {
	TickIntervalSeconds        int `mapstructure:"tick_interval_seconds"`        // default: 30
	MaxExecutionsPerMinute     int `mapstructure:"max_executions_per_minute"`    // burst smoothing cap (default: 6)
	SmoothingWindowSeconds     int `mapstructure:"smoothing_window_seconds"`     // redistribution window around a hot minute (default: 180)
	SmoothingHysteresisSeconds int `mapstructure:"smoothing_hysteresis_seconds"` // skip moves smaller than this (default: 30)
}

// SNMPConfig configures the SNMP worker
type SNMPConfig struct {
	ProfilePath       string  `mapstructure:"profile_path"`        // optional OID profile catalog override
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // per-OLT pacing (default: 5)
	Burst             int     `mapstructure:"burst"`               // per-OLT burst allowance (default: 2)
	Retries           int     `mapstructure:"retries"`             // transport-level retries inside one attempt (default: 1)
}

// OperationConfig holds the per-operation-type execution parameters.
// Jobs may override MaxRetries and RetryDelaySeconds individually.
type OperationConfig struct {
	TimeoutSeconds    int `mapstructure:"timeout_seconds"`
	MaxRetries        int `mapstructure:"max_retries"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds"`
}

// Timeout returns the worker timeout as a duration.
func (o OperationConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay before a retry attempt as a duration.
func (o OperationConfig) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelaySeconds) * time.Second
}

// OperationFor returns the configuration for an operation type, falling
// back to the "get" parameters when the type has no explicit section.
func (c *Config) OperationFor(opType string) OperationConfig {
	if op, ok := c.Operations[opType]; ok {
		return op
	}
	if op, ok := c.Operations["get"]; ok {
		return op
	}
	return OperationConfig{TimeoutSeconds: 5, MaxRetries: 2, RetryDelaySeconds: 120}
}

// GetServerPort returns the configured API port or the default.
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil || *c.Server.Port == 0 {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "oltpoll.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// TickInterval returns the scheduler tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Poller: {Slots: %d}, Scheduler: {Tick: %ds}}",
		c.Database.Path, c.Poller.Slots, c.Scheduler.TickIntervalSeconds)
}
