// Package config loads and validates the daemon configuration and the
// alarm rule files, with hot reload for the latter.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Config is the top-level daemon configuration.
type Config struct {
	// OCloudID identifies this cloud instance toward subscribers.
	OCloudID string `yaml:"ocloud_id" validate:"required"`

	// Name is the human-readable cloud name.
	Name string `yaml:"name" validate:"required"`

	// LogDir is where workload stdout and stderr logs are written.
	LogDir string `yaml:"log_dir" validate:"required"`

	// SnapshotInterval is how often host utilization snapshots are recorded.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" validate:"gt=0"`

	Database  DatabaseConfig          `yaml:"database"`
	Timeouts  TimeoutConfig           `yaml:"timeouts"`
	Notify    NotifyConfig            `yaml:"notify"`
	RulesPath string                  `yaml:"rules_path"`
	Logging   telemetry.LoggingConfig `yaml:"logging"`
	Metrics   telemetry.MetricsConfig `yaml:"metrics"`
	Tracing   telemetry.TracingConfig `yaml:"tracing"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TimeoutConfig collects the engine's operational deadlines.
type TimeoutConfig struct {
	// SpawnTimeout bounds how long a workload may take to come up.
	SpawnTimeout time.Duration `yaml:"spawn_timeout" validate:"gt=0"`

	// HeartbeatInterval is how often running workloads are liveness-checked.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`

	// GracePeriod is how long a terminating workload gets before force kill.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gt=0"`

	// ShutdownTimeout bounds the daemon's graceful shutdown drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// NotifyConfig configures subscriber callback delivery.
type NotifyConfig struct {
	// CallbackTimeout bounds a single callback HTTP request.
	CallbackTimeout time.Duration `yaml:"callback_timeout" validate:"gt=0"`

	// MaxAttempts is the delivery retry ceiling per notification.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`

	// BackoffBase is the base delay for exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gt=0"`

	// ExpirySweepInterval is how often expired subscriptions are purged.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval" validate:"gt=0"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		OCloudID:         "ocloud-local",
		Name:             "ocloudd",
		LogDir:           "logs",
		SnapshotInterval: time.Minute,
		Database: DatabaseConfig{
			Path:            "ocloudd.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Timeouts: TimeoutConfig{
			SpawnTimeout:      30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			GracePeriod:       10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Notify: NotifyConfig{
			CallbackTimeout:     10 * time.Second,
			MaxAttempts:         5,
			BackoffBase:         time.Second,
			ExpirySweepInterval: time.Minute,
		},
		Logging: tel.Logging,
		Metrics: tel.Metrics,
		Tracing: tel.Tracing,
	}
}

// Load reads the YAML configuration at path, layered over the defaults,
// and validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
