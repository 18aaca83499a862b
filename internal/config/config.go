// Package config holds the shardlog configuration: where the data
// directory lives, how large a shard may grow, and how the migration
// runner paces itself. Values come from an optional YAML file, overridden
// by SHARDLOG_* environment variables, overridden again by CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the conventional config file name, looked up in the data
// directory when --config is not given.
const FileName = "shardlog.yaml"

// Config holds all shardlog configuration.
type Config struct {
	// DataDir is the directory holding shards, the index, and the
	// migration checkpoint.
	DataDir string `yaml:"data_dir"`

	Storage   StorageConfig   `yaml:"storage"`
	Migration MigrationConfig `yaml:"migration"`
}

// StorageConfig configures the sharded storage layer.
type StorageConfig struct {
	// ShardSizeLimitMB is the soft size cap per shard. Checked at write
	// target selection time only; a write burst may push a shard past it.
	ShardSizeLimitMB int64 `yaml:"shard_size_limit_mb"`
}

// MigrationConfig configures the legacy-store migration runner.
type MigrationConfig struct {
	BatchSize int `yaml:"batch_size"`

	// Retry handling for transient storage errors (lock contention).
	MaxRetries        int `yaml:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	// Pacing between batches, to be gentle to slow or sync-backed media.
	PauseSeconds     int `yaml:"pause_seconds"`
	LongPauseSeconds int `yaml:"long_pause_seconds"`
	LongPauseEvery   int `yaml:"long_pause_every"`
}

// Default returns the built-in configuration. The values match the
// original deployment profile: 90 MB shards, batches of 50, short pause
// after every batch and a long one every tenth.
func Default() Config {
	return Config{
		DataDir: "data",
		Storage: StorageConfig{
			ShardSizeLimitMB: 90,
		},
		Migration: MigrationConfig{
			BatchSize:         50,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
			PauseSeconds:      5,
			LongPauseSeconds:  30,
			LongPauseEvery:    10,
		},
	}
}

// Load reads configuration from path layered over the defaults, then
// applies environment overrides. An empty path or a missing file is not an
// error; a present but malformed file is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304 - path from --config flag
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SHARDLOG_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("SHARDLOG_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHARDLOG_SHARD_SIZE_LIMIT_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SHARDLOG_SHARD_SIZE_LIMIT_MB: %w", err)
		}
		c.Storage.ShardSizeLimitMB = n
	}
	if v := os.Getenv("SHARDLOG_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHARDLOG_BATCH_SIZE: %w", err)
		}
		c.Migration.BatchSize = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Storage.ShardSizeLimitMB <= 0 {
		return fmt.Errorf("shard_size_limit_mb must be positive, got %d", c.Storage.ShardSizeLimitMB)
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Migration.BatchSize)
	}
	if c.Migration.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Migration.MaxRetries)
	}
	if c.Migration.LongPauseEvery <= 0 {
		return fmt.Errorf("long_pause_every must be positive, got %d", c.Migration.LongPauseEvery)
	}
	return nil
}

// ShardSizeLimitBytes returns the shard size cap in bytes.
func (c *Config) ShardSizeLimitBytes() int64 {
	return c.Storage.ShardSizeLimitMB * 1024 * 1024
}

// RetryDelay returns the base delay between insert retries.
func (m *MigrationConfig) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelaySeconds) * time.Second
}

// Pause returns the pause taken after each batch.
func (m *MigrationConfig) Pause() time.Duration {
	return time.Duration(m.PauseSeconds) * time.Second
}

// LongPause returns the pause taken every LongPauseEvery batches.
func (m *MigrationConfig) LongPause() time.Duration {
	return time.Duration(m.LongPauseSeconds) * time.Second
}
