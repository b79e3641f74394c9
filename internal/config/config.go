// ABOUTME: Configuration loading and parsing for weft
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete weft configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Propagation PropagationConfig `yaml:"propagation"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
	Providers   []string          `yaml:"providers"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds the scheduler's tick cadence and worker count
type SchedulerConfig struct {
	Tick time.Duration `yaml:"-"`

	TickRaw string `yaml:"tick"`
	Workers int    `yaml:"workers"`
}

// PropagationConfig holds the propagation engine's timing and batching
type PropagationConfig struct {
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	BatchLimit  int    `yaml:"batch_limit"`
	Workers     int    `yaml:"workers"`
}

// SupervisorConfig holds per-run supervision settings
type SupervisorConfig struct {
	RunTimeout time.Duration `yaml:"-"`

	RunTimeoutRaw    string `yaml:"run_timeout"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// RetentionConfig holds the event retention sweep cadence
type RetentionConfig struct {
	SweepInterval time.Duration `yaml:"-"`

	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if c.Propagation.Workers < 0 {
		return fmt.Errorf("propagation.workers must not be negative")
	}
	if c.Propagation.BatchLimit < 0 {
		return fmt.Errorf("propagation.batch_limit must not be negative")
	}
	if c.Supervisor.FailureThreshold < 0 {
		return fmt.Errorf("supervisor.failure_threshold must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Scheduler.TickRaw != "" {
		cfg.Scheduler.Tick, err = time.ParseDuration(cfg.Scheduler.TickRaw)
		if err != nil {
			return fmt.Errorf("parsing scheduler.tick %q: %w", cfg.Scheduler.TickRaw, err)
		}
	}

	if cfg.Propagation.IntervalRaw != "" {
		cfg.Propagation.Interval, err = time.ParseDuration(cfg.Propagation.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing propagation.interval %q: %w", cfg.Propagation.IntervalRaw, err)
		}
	}

	if cfg.Supervisor.RunTimeoutRaw != "" {
		cfg.Supervisor.RunTimeout, err = time.ParseDuration(cfg.Supervisor.RunTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing supervisor.run_timeout %q: %w", cfg.Supervisor.RunTimeoutRaw, err)
		}
	}

	if cfg.Retention.SweepIntervalRaw != "" {
		cfg.Retention.SweepInterval, err = time.ParseDuration(cfg.Retention.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing retention.sweep_interval %q: %w", cfg.Retention.SweepIntervalRaw, err)
		}
	}

	return nil
}
