package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Transform.SmallDatasetThreshold != 10*1024*1024 {
		t.Errorf("threshold = %d, want 10 MiB", cfg.Transform.SmallDatasetThreshold)
	}
	if cfg.WorkDir != filepath.Join(cfg.DataDir, "work") {
		t.Errorf("work dir not resolved: %s", cfg.WorkDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = StorageS3 }},
		{"zero concurrency", func(c *Config) { c.Storage.UploadConcurrency = 0 }},
		{"negative retries", func(c *Config) { c.WDS.RetryMax = -1 }},
		{"bad compression", func(c *Config) { c.Transform.Compression = "lzo" }},
		{"zero batch", func(c *Config) { c.Delta.BatchSize = 0 }},
		{"no base url", func(c *Config) { c.WDS.BaseURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statcandb.yaml")
	content := `
data_dir: /tmp/statcan
storage:
  type: s3
  s3:
    bucket: statcandb
    account_id: abc123
wds:
  retry_max: 5
  timeout: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.DataDir != "/tmp/statcan" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Storage.S3.Bucket != "statcandb" {
		t.Errorf("bucket = %q", cfg.Storage.S3.Bucket)
	}
	if cfg.WDS.RetryMax != 5 || cfg.WDS.Timeout != 30*time.Second {
		t.Errorf("wds = %+v", cfg.WDS)
	}
	// Untouched sections keep their defaults.
	if cfg.Delta.BatchSize != 65536 {
		t.Errorf("batch size default lost: %d", cfg.Delta.BatchSize)
	}
	if got := cfg.Storage.S3.ResolvedEndpoint(); got != "https://abc123.r2.cloudflarestorage.com" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statcandb.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("R2_BUCKET", "from-r2")
	t.Setenv("STATCANDB_S3_BUCKET", "from-statcandb")
	t.Setenv("SQLITE_DB_URL", "sqlite:///tmp/legacy.db")
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("STATCANDB_WDS_RETRY_MAX", "7")
	t.Setenv("STATCANDB_WDS_TIMEOUT", "not-a-duration")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Storage.S3.Bucket != "from-statcandb" {
		t.Errorf("STATCANDB_ prefix should win, got %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Records.DSN != "sqlite:///tmp/legacy.db" {
		t.Errorf("dsn = %q", cfg.Records.DSN)
	}
	if cfg.Storage.S3.AccessKeyID != "key" {
		t.Errorf("access key = %q", cfg.Storage.S3.AccessKeyID)
	}
	if cfg.WDS.RetryMax != 7 {
		t.Errorf("retry max = %d", cfg.WDS.RetryMax)
	}
	if cfg.WDS.Timeout != 5*time.Minute {
		t.Errorf("invalid duration should leave default, got %v", cfg.WDS.Timeout)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.Resolve()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.WorkDir, cfg.Storage.Path} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}
