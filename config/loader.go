package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/c360/mlstreams/errors"
)

// Load reads configuration from the given file path, layered over defaults,
// with MLSTREAMS_* environment variables taking precedence. An empty path
// loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("MLSTREAMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file "+path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper with the default configuration so partial files
// and env overrides merge over a complete baseline
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("job.name", d.Job.Name)
	v.SetDefault("job.max_consecutive_parse_errors", d.Job.MaxConsecutiveParseErrors)

	v.SetDefault("input.format", d.Input.Format)
	v.SetDefault("input.path", d.Input.Path)

	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("output.chain_path", d.Output.ChainPath)

	v.SetDefault("strategy.name", d.Strategy.Name)
	v.SetDefault("strategy.bucketcount.time_field", d.Strategy.BucketCount.TimeField)
	v.SetDefault("strategy.bucketcount.bucket_span_seconds", d.Strategy.BucketCount.BucketSpanSeconds)
	v.SetDefault("strategy.bucketcount.snapshot_pressure_records", d.Strategy.BucketCount.SnapshotPressureRecords)

	v.SetDefault("persistence.backend", d.Persistence.Backend)
	v.SetDefault("persistence.interval", d.Persistence.Interval)
	v.SetDefault("persistence.max_document_bytes", d.Persistence.MaxDocumentBytes)
	v.SetDefault("persistence.restore_snapshot_id", d.Persistence.RestoreSnapshotID)
	v.SetDefault("persistence.nats.url", d.Persistence.NATS.URL)
	v.SetDefault("persistence.nats.bucket", d.Persistence.NATS.Bucket)
	v.SetDefault("persistence.nats.connect_timeout", d.Persistence.NATS.ConnectTimeout)
	v.SetDefault("persistence.nats.max_reconnects", d.Persistence.NATS.MaxReconnects)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}
