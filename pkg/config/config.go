// Package config loads and validates the orchestrator configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Devices   DevicesConfig   `yaml:"devices"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// SchedulerConfig configures the worker pool and leases.
type SchedulerConfig struct {
	Workers        int           `yaml:"workers" validate:"gte=1,lte=256"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" validate:"gt=0"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
}

// ReconcileConfig configures the periodic drift reconciliation.
type ReconcileConfig struct {
	// Enabled turns the periodic scan on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression for the scan interval.
	Schedule string `yaml:"schedule" validate:"required_with=Enabled"`

	// Remediate enables enqueueing of remediation workflows; when false
	// drift is only reported.
	Remediate bool `yaml:"remediate"`
}

// APIConfig configures the HTTP trigger surface.
type APIConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DevicesConfig configures the device client collaborator.
type DevicesConfig struct {
	// Driver selects the device client (memory, ssh).
	Driver string `yaml:"driver" validate:"oneof=memory ssh"`

	// SSH configures the ssh driver.
	SSH SSHConfig `yaml:"ssh"`
}

// SSHConfig configures the SSH device client.
type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyFile        string        `yaml:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "openlumen.db",
		},
		Scheduler: SchedulerConfig{
			Workers:        4,
			LeaseTTL:       30 * time.Second,
			AcquireTimeout: time.Minute,
		},
		Reconcile: ReconcileConfig{
			Enabled:   true,
			Schedule:  "@every 10m",
			Remediate: false,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			SampleRatio: 1,
		},
		Devices: DevicesConfig{
			Driver: "memory",
			SSH: SSHConfig{
				Timeout: 15 * time.Second,
			},
		},
	}
}

// Load reads a configuration file, merges it over the defaults and
// validates the result. An empty path returns the defaults.
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

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
