package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sendgate/sendgate/internal/experiment"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN of the server
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // Default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // Default: 60s
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path          string        `yaml:"path"`           // SQLite database (campaigns, identities, contacts)
	LedgerPath    string        `yaml:"ledger_path"`    // bbolt database (capacity counters)
	FlushInterval time.Duration `yaml:"flush_interval"` // How often capacity counters are persisted
}

// SchedulerConfig contains dispatch scheduler settings
type SchedulerConfig struct {
	BatchSize    int           `yaml:"batch_size"`    // Contacts per campaign per tick
	PollInterval time.Duration `yaml:"poll_interval"` // Time between ticks
	Concurrency  int           `yaml:"concurrency"`   // Campaigns ticked in parallel
	RetryBackoff time.Duration `yaml:"retry_backoff"` // Deferral delay when no identity is available
}

// WarmupConfig contains warmup advancement settings
type WarmupConfig struct {
	Schedule        string  `yaml:"schedule"`         // cron expression for the daily advance
	GraduationRatio float64 `yaml:"graduation_ratio"` // fraction of cap at which warmup graduates
}

// ExperimentConfig contains A/B test scoring settings. Weights left unset
// fall back to the built-in defaults for each criterion.
type ExperimentConfig struct {
	ScoreWeights map[experiment.Criterion]experiment.ScoreWeights `yaml:"score_weights,omitempty"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sendgate/sendgate.db"
	}
	if c.Storage.LedgerPath == "" {
		c.Storage.LedgerPath = "/var/lib/sendgate/ledger.db"
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 10 * time.Second
	}

	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.RetryBackoff == 0 {
		c.Scheduler.RetryBackoff = time.Minute
	}

	if c.Warmup.Schedule == "" {
		c.Warmup.Schedule = "0 3 * * *" // daily at 03:00
	}
	if c.Warmup.GraduationRatio == 0 {
		c.Warmup.GraduationRatio = 0.8
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size must not be negative")
	}
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler.concurrency must not be negative")
	}

	if c.Warmup.GraduationRatio <= 0 || c.Warmup.GraduationRatio > 1 {
		return fmt.Errorf("warmup.graduation_ratio must be in (0, 1], got %.2f", c.Warmup.GraduationRatio)
	}

	for criterion := range c.Experiment.ScoreWeights {
		switch criterion {
		case experiment.CriterionOpenRate, experiment.CriterionClickRate,
			experiment.CriterionReplyRate, experiment.CriterionConversion:
		default:
			return fmt.Errorf("unknown experiment criterion %q in score_weights", criterion)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
