// Package config loads the validator process configuration: a TOML file for
// the process-level options and a YAML sub-document for the emission /
// category allocation table, which can be hot-reloaded at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration makes time.Duration TOML-decodable from strings like "45s".
type Duration struct {
	time.Duration
}

// D wraps a time.Duration for use in defaults.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level process configuration.
type Config struct {
	Discovery        DiscoveryConfig        `toml:"discovery"`
	Rental           RentalConfig           `toml:"rental"`
	BinaryValidation BinaryValidationConfig `toml:"binary_validation"`
	Strategy         StrategyConfig         `toml:"strategy"`
	Reaper           ReaperConfig           `toml:"reaper"`
	SSH              SSHConfig              `toml:"ssh"`
	Database         DatabaseConfig         `toml:"database"`
	Orchestrator     OrchestratorConfig     `toml:"orchestrator"`
	Logging          LoggingConfig          `toml:"logging"`
	Metrics          MetricsConfig          `toml:"metrics"`

	// EmissionFile points at the YAML emission sub-document.
	EmissionFile string `toml:"emission_file"`
}

// DiscoveryConfig drives the miner discovery client.
type DiscoveryConfig struct {
	Timeout             Duration      `toml:"discovery_timeout"`
	GRPCPortOffset      uint16        `toml:"grpc_port_offset"`
	UseDynamicDiscovery bool          `toml:"use_dynamic_discovery"`
	// RequestsPerMinute throttles discovery calls per miner endpoint.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// RentalConfig carries the rental TTL hints surfaced to miners.
type RentalConfig struct {
	MaxDurationHours     uint32 `toml:"max_duration_hours"`
	DefaultDurationHours uint32 `toml:"default_duration_hours"`
}

// BinaryValidationConfig drives the binary validator driver.
type BinaryValidationConfig struct {
	ValidatorBinaryPath  string `toml:"validator_binary_path"`
	ExecutorBinaryPath   string `toml:"executor_binary_path"`
	OutputFormat         string `toml:"output_format"`
	ExecutionTimeoutSecs uint64 `toml:"execution_timeout_secs"`
}

// Timeout returns the configured execution timeout as a duration.
func (c BinaryValidationConfig) Timeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSecs) * time.Second
}

// StrategyConfig drives the validation strategy selector.
type StrategyConfig struct {
	// FreshFullValidationWithinHours is the window inside which a prior
	// successful full validation lets an executor take the lightweight path.
	FreshFullValidationWithinHours uint32 `toml:"fresh_full_validation_within_hours"`
}

// Freshness returns the lightweight-eligibility window as a duration.
func (c StrategyConfig) Freshness() time.Duration {
	return time.Duration(c.FreshFullValidationWithinHours) * time.Hour
}

// ReaperConfig drives the periodic registry cleanup.
type ReaperConfig struct {
	Interval                     Duration      `toml:"interval"`
	StaleGPUHours                uint32        `toml:"stale_gpu_hours"`
	ConsecutiveFailuresThreshold uint32        `toml:"consecutive_failures_threshold"`
	StaleExecutorMinutes         uint32        `toml:"stale_executor_minutes"`
	// GPUAssignmentCleanupTTLMinutes is the offline threshold after which an
	// executor's GPU rows are purged wholesale. Clamped to >= 120.
	GPUAssignmentCleanupTTLMinutes uint32 `toml:"gpu_assignment_cleanup_ttl"`
}

// GPUCleanupTTL returns the wholesale-purge offline threshold, clamped to its
// 120 minute floor.
func (c ReaperConfig) GPUCleanupTTL() time.Duration {
	minutes := c.GPUAssignmentCleanupTTLMinutes
	if minutes < 120 {
		minutes = 120
	}
	return time.Duration(minutes) * time.Minute
}

// SSHConfig drives the SSH session broker.
type SSHConfig struct {
	// KeyDir is where ephemeral private key material is written.
	KeyDir string `toml:"key_dir"`
	// SessionTTL bounds a miner-granted SSH session.
	SessionTTL Duration `toml:"session_ttl"`
	// WaitForLease blocks Acquire until the current holder releases instead
	// of failing fast.
	WaitForLease bool `toml:"wait_for_lease"`
	// AcquiresPerMinute throttles lease acquisition per executor.
	AcquiresPerMinute int `toml:"acquires_per_minute"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime Duration      `toml:"conn_max_lifetime"`
	BusyTimeout     Duration      `toml:"busy_timeout"`
}

// OrchestratorConfig bounds the verification workflow.
type OrchestratorConfig struct {
	ValidatorHotkey string `toml:"validator_hotkey"`
	// ExecutorFanout bounds parallel per-executor verification within one
	// task. 1 means strictly sequential.
	ExecutorFanout int `toml:"executor_fanout"`
	// ExecutorFilter is an optional bexpr expression applied to discovered
	// executors, eg. `location == "us-east"`. bexpr has no ordering
	// comparisons such as >=.
	ExecutorFilter string `toml:"executor_filter"`
	// VerifyInterval is the cadence of verification ticks.
	VerifyInterval Duration `toml:"verify_interval"`
	// MetagraphSyncInterval is the cadence of miner migration sync.
	MetagraphSyncInterval Duration `toml:"metagraph_sync_interval"`
}

// LoggingConfig selects the log handler, level and optional rotating file.
type LoggingConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxBackups int   `toml:"max_backups"`
	NoColor   bool   `toml:"no_color"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Defaults returns a configuration populated with the recognized defaults.
func Defaults() Config {
	return Config{
		Discovery: DiscoveryConfig{
			Timeout:             D(30 * time.Second),
			GRPCPortOffset:      0,
			UseDynamicDiscovery: true,
			RequestsPerMinute:   12,
		},
		Rental: RentalConfig{
			MaxDurationHours:     24,
			DefaultDurationHours: 1,
		},
		BinaryValidation: BinaryValidationConfig{
			OutputFormat:         "json",
			ExecutionTimeoutSecs: 120,
		},
		Strategy: StrategyConfig{
			FreshFullValidationWithinHours: 3,
		},
		Reaper: ReaperConfig{
			Interval:                       D(15 * time.Minute),
			StaleGPUHours:                  6,
			ConsecutiveFailuresThreshold:   2,
			StaleExecutorMinutes:           10,
			GPUAssignmentCleanupTTLMinutes: 120,
		},
		SSH: SSHConfig{
			KeyDir:            "/var/lib/basilica/ssh-keys",
			SessionTTL:        D(5 * time.Minute),
			WaitForLease:      false,
			AcquiresPerMinute: 30,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: D(30 * time.Minute),
			BusyTimeout:     D(5 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			ExecutorFanout:        1,
			VerifyInterval:        D(10 * time.Minute),
			MetagraphSyncInterval: D(5 * time.Minute),
		},
		Logging: LoggingConfig{
			Verbosity:  3,
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9190",
		},
	}
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps out-of-range values back into their supported ranges.
func (c *Config) Sanitize() {
	if c.Reaper.GPUAssignmentCleanupTTLMinutes < 120 {
		c.Reaper.GPUAssignmentCleanupTTLMinutes = 120
	}
	if c.Reaper.ConsecutiveFailuresThreshold == 0 {
		c.Reaper.ConsecutiveFailuresThreshold = 2
	}
	if c.Strategy.FreshFullValidationWithinHours == 0 {
		c.Strategy.FreshFullValidationWithinHours = 3
	}
	if c.Orchestrator.ExecutorFanout < 1 {
		c.Orchestrator.ExecutorFanout = 1
	}
	if c.Discovery.Timeout.Duration <= 0 {
		c.Discovery.Timeout = D(30 * time.Second)
	}
	if c.BinaryValidation.ExecutionTimeoutSecs == 0 {
		c.BinaryValidation.ExecutionTimeoutSecs = 120
	}
	if c.BinaryValidation.OutputFormat == "" {
		c.BinaryValidation.OutputFormat = "json"
	}
}
