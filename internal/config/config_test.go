package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "data")
	}
	if cfg.Storage.ShardSizeLimitMB != 90 {
		t.Errorf("ShardSizeLimitMB = %d, want 90", cfg.Storage.ShardSizeLimitMB)
	}
	if cfg.Migration.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Migration.BatchSize)
	}
	if got := cfg.ShardSizeLimitBytes(); got != 90*1024*1024 {
		t.Errorf("ShardSizeLimitBytes() = %d", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
	if cfg.Migration.BatchSize != 50 {
		t.Errorf("expected defaults, got batch size %d", cfg.Migration.BatchSize)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardlog.yaml")
	content := `
data_dir: /srv/changelog
storage:
  shard_size_limit_mb: 10
migration:
  batch_size: 25
  long_pause_every: 4
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DataDir != "/srv/changelog" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Storage.ShardSizeLimitMB != 10 {
		t.Errorf("ShardSizeLimitMB = %d, want 10", cfg.Storage.ShardSizeLimitMB)
	}
	if cfg.Migration.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Migration.BatchSize)
	}
	// Unset fields keep their defaults.
	if cfg.Migration.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Migration.MaxRetries)
	}
	if cfg.Migration.LongPauseEvery != 4 {
		t.Errorf("LongPauseEvery = %d, want 4", cfg.Migration.LongPauseEvery)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardlog.yaml")
	if err := os.WriteFile(path, []byte("{not yaml::"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHARDLOG_DATA_DIR", "/env/data")
	t.Setenv("SHARDLOG_SHARD_SIZE_LIMIT_MB", "42")
	t.Setenv("SHARDLOG_BATCH_SIZE", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DataDir != "/env/data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Storage.ShardSizeLimitMB != 42 {
		t.Errorf("ShardSizeLimitMB = %d", cfg.Storage.ShardSizeLimitMB)
	}
	if cfg.Migration.BatchSize != 7 {
		t.Errorf("BatchSize = %d", cfg.Migration.BatchSize)
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("SHARDLOG_BATCH_SIZE", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid env override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero size limit", func(c *Config) { c.Storage.ShardSizeLimitMB = 0 }},
		{"negative batch size", func(c *Config) { c.Migration.BatchSize = -1 }},
		{"negative retries", func(c *Config) { c.Migration.MaxRetries = -1 }},
		{"zero long pause frequency", func(c *Config) { c.Migration.LongPauseEvery = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
