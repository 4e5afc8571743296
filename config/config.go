// Package config defines the mlstreams application configuration and its
// viper-based loader. A job's configuration is read once at startup from a
// YAML or JSON file, with MLSTREAMS_* environment variables taking
// precedence over file values.
package config

import (
	"time"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/natsstore"
	"github.com/c360/mlstreams/output"
	"github.com/c360/mlstreams/strategy/bucketcount"
)

// Persistence backend selection
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Config represents the complete application configuration
type Config struct {
	Job         JobConfig         `json:"job" mapstructure:"job"`
	Input       InputConfig       `json:"input" mapstructure:"input"`
	Output      OutputConfig      `json:"output" mapstructure:"output"`
	Strategy    StrategyConfig    `json:"strategy" mapstructure:"strategy"`
	Persistence PersistenceConfig `json:"persistence" mapstructure:"persistence"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// JobConfig configures the job coordinator
type JobConfig struct {
	Name                      string `json:"name" mapstructure:"name"`
	MaxConsecutiveParseErrors int    `json:"max_consecutive_parse_errors" mapstructure:"max_consecutive_parse_errors"`
}

// InputConfig selects the input framing and source
type InputConfig struct {
	// Format selects the record reader variant: csv, length_encoded, ndjson
	Format string `json:"format" mapstructure:"format"`
	// Path is the input file; empty means stdin
	Path string `json:"path" mapstructure:"path"`
}

// OutputConfig selects the output writer and destination
type OutputConfig struct {
	// Format selects the terminal writer: json, ndjson, discard
	Format string `json:"format" mapstructure:"format"`
	// Path is the output file; empty means stdout
	Path string `json:"path" mapstructure:"path"`
	// ChainPath, when set, interposes a chainer that forwards records in the
	// length-encoded framing to this path (a pipe feeding a downstream job)
	ChainPath string `json:"chain_path" mapstructure:"chain_path"`
}

// StrategyConfig selects and configures the analysis strategy
type StrategyConfig struct {
	Name        string             `json:"name" mapstructure:"name"`
	BucketCount bucketcount.Config `json:"bucketcount" mapstructure:"bucketcount"`
}

// PersistenceConfig configures checkpointing
type PersistenceConfig struct {
	// Backend selects checkpoint storage: none, memory, nats
	Backend string `json:"backend" mapstructure:"backend"`
	// Interval is the periodic checkpoint interval; zero disables it
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	// MaxDocumentBytes bounds one checkpoint document
	MaxDocumentBytes int `json:"max_document_bytes" mapstructure:"max_document_bytes"`
	// RestoreSnapshotID selects a checkpoint to restore at start
	RestoreSnapshotID string `json:"restore_snapshot_id" mapstructure:"restore_snapshot_id"`
	// NATS configures the JetStream object store backend
	NATS natsstore.Config `json:"nats" mapstructure:"nats"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Port    int    `json:"port" mapstructure:"port"`
	Path    string `json:"path" mapstructure:"path"`
}

// LoggingConfig configures slog output
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" mapstructure:"level"`
	// Format is text or json
	Format string `json:"format" mapstructure:"format"`
	// File, when set, routes logs through a size-rotated file
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Job: JobConfig{
			Name:                      "job",
			MaxConsecutiveParseErrors: 100,
		},
		Input: InputConfig{
			Format: string(input.FormatCSV),
		},
		Output: OutputConfig{
			Format: string(output.FormatNDJSON),
		},
		Strategy: StrategyConfig{
			Name:        "bucketcount",
			BucketCount: bucketcount.DefaultConfig(),
		},
		Persistence: PersistenceConfig{
			Backend:          BackendNone,
			MaxDocumentBytes: 1024 * 1024,
			NATS:             natsstore.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Job.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "job.name is required")
	}
	if c.Job.MaxConsecutiveParseErrors < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"job.max_consecutive_parse_errors cannot be negative")
	}

	if !input.Format(c.Input.Format).Valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"input.format must be one of: csv, length_encoded, ndjson")
	}
	if !output.Format(c.Output.Format).Valid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"output.format must be one of: json, ndjson, discard")
	}

	if c.Strategy.Name != "bucketcount" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"strategy.name must be bucketcount")
	}
	if err := c.Strategy.BucketCount.Validate(); err != nil {
		return err
	}

	switch c.Persistence.Backend {
	case BackendNone, BackendMemory:
	case BackendNATS:
		if err := c.Persistence.NATS.Validate(); err != nil {
			return err
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"persistence.backend must be one of: none, memory, nats")
	}
	if c.Persistence.Interval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"persistence.interval cannot be negative")
	}
	if c.Persistence.Backend == BackendNone && c.Persistence.RestoreSnapshotID != "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"persistence.restore_snapshot_id requires a persistence backend")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics.port must be a valid TCP port")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"logging.format must be text or json")
	}

	return nil
}
