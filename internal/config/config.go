// Package config provides the run configuration for statcandb.
// A Config is built once per run and passed explicitly to every component.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage types.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// DefaultSmallDatasetThreshold is the on-disk size below which a dataset is
// written flat instead of hive-partitioned.
const DefaultSmallDatasetThreshold int64 = 10 * 1024 * 1024

// Config holds the configuration for one statcandb run.
type Config struct {
	// DataDir is the base directory for local state (record store, local storage)
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// WorkDir holds per-product temporary directories
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// WDS configuration
	WDS WDSConfig `json:"wds" yaml:"wds"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Records configuration
	Records RecordsConfig `json:"records" yaml:"records"`

	// Transform configuration
	Transform TransformConfig `json:"transform" yaml:"transform"`

	// Delta file configuration
	Delta DeltaConfig `json:"delta" yaml:"delta"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// WDSConfig holds settings for the Statistics Canada Web Data Service.
type WDSConfig struct {
	// BaseURL is the REST root, e.g. https://www150.statcan.gc.ca/t1/wds/rest
	BaseURL string `json:"base_url" yaml:"base_url"`

	// DeltaBaseURL is the directory serving dated delta archives
	DeltaBaseURL string `json:"delta_base_url" yaml:"delta_base_url"`

	// Timeout bounds a single HTTP request
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RetryMax is the number of transport-level retries per request
	RetryMax int `json:"retry_max" yaml:"retry_max"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// UploadConcurrency bounds parallel file uploads within one product
	UploadConcurrency int `json:"upload_concurrency" yaml:"upload_concurrency"`
}

// S3Config holds S3 / R2 storage configuration.
type S3Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccountID       string `json:"account_id" yaml:"account_id"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
	PartSizeMB      int    `json:"part_size_mb" yaml:"part_size_mb"`
}

// ResolvedEndpoint returns the explicit endpoint, or the R2 endpoint derived
// from the account id.
func (s S3Config) ResolvedEndpoint() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	if s.AccountID != "" {
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", s.AccountID)
	}
	return ""
}

// RecordsConfig holds the sync record store configuration.
type RecordsConfig struct {
	// DSN is a sqlite path / sqlite:// URL, or a postgres:// URL
	DSN string `json:"dsn" yaml:"dsn"`
}

// TransformConfig holds cube transformation settings.
type TransformConfig struct {
	// SmallDatasetThreshold is the byte size below which output is not partitioned
	SmallDatasetThreshold int64 `json:"small_dataset_threshold" yaml:"small_dataset_threshold"`

	// Compression is the parquet codec used by the engine (snappy, zstd, gzip, uncompressed)
	Compression string `json:"compression" yaml:"compression"`
}

// DeltaConfig holds delta file settings.
type DeltaConfig struct {
	// DownloadDir is where delta archives are downloaded
	DownloadDir string `json:"download_dir" yaml:"download_dir"`

	// BatchSize is the number of rows buffered before a flush
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxOpenFiles bounds concurrently open partition files while splitting
	MaxOpenFiles int `json:"max_open_files" yaml:"max_open_files"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds run metrics settings.
type MetricsConfig struct {
	// Textfile, when set, receives the run metrics in Prometheus text format
	Textfile string `json:"textfile" yaml:"textfile"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/statcandb",
		WDS: WDSConfig{
			BaseURL:      "https://www150.statcan.gc.ca/t1/wds/rest",
			DeltaBaseURL: "https://www150.statcan.gc.ca/n1/delta",
			Timeout:      5 * time.Minute,
			RetryMax:     2,
		},
		Storage: StorageConfig{
			Type:              StorageLocal,
			UploadConcurrency: 4,
			S3: S3Config{
				Region:     "auto",
				PartSizeMB: 16,
			},
		},
		Transform: TransformConfig{
			SmallDatasetThreshold: DefaultSmallDatasetThreshold,
			Compression:           "snappy",
		},
		Delta: DeltaConfig{
			BatchSize:    65536,
			MaxOpenFiles: 512,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/statcandb"
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Storage.Type == StorageLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Records.DSN == "" {
		c.Records.DSN = filepath.Join(c.DataDir, "statcandb.db")
	}
	if c.Delta.DownloadDir == "" {
		c.Delta.DownloadDir = "."
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != StorageLocal && c.Storage.Type != StorageS3 {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == StorageS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Storage.UploadConcurrency < 1 {
		return fmt.Errorf("storage.upload_concurrency must be at least 1, got %d", c.Storage.UploadConcurrency)
	}

	if c.WDS.BaseURL == "" {
		return fmt.Errorf("wds.base_url is required")
	}

	if c.WDS.RetryMax < 0 {
		return fmt.Errorf("wds.retry_max must not be negative, got %d", c.WDS.RetryMax)
	}

	if c.Transform.SmallDatasetThreshold < 0 {
		return fmt.Errorf("transform.small_dataset_threshold must not be negative")
	}

	switch c.Transform.Compression {
	case "snappy", "zstd", "gzip", "uncompressed":
	default:
		return fmt.Errorf("invalid transform.compression: %s", c.Transform.Compression)
	}

	if c.Delta.BatchSize < 1 {
		return fmt.Errorf("delta.batch_size must be at least 1, got %d", c.Delta.BatchSize)
	}

	if c.Delta.MaxOpenFiles < 1 {
		return fmt.Errorf("delta.max_open_files must be at least 1, got %d", c.Delta.MaxOpenFiles)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Variables use the STATCANDB_ prefix. The bare AWS_*, R2_* and
// SQLITE_DB_URL credential variables are honoured as well.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("STATCANDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STATCANDB_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}

	// WDS configuration
	if v := os.Getenv("STATCANDB_WDS_BASE_URL"); v != "" {
		cfg.WDS.BaseURL = v
	}
	if v := os.Getenv("STATCANDB_WDS_DELTA_BASE_URL"); v != "" {
		cfg.WDS.DeltaBaseURL = v
	}
	if v := os.Getenv("STATCANDB_WDS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WDS.Timeout = d
		}
	}
	if v := os.Getenv("STATCANDB_WDS_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WDS.RetryMax = n
		}
	}

	// Storage configuration
	if v := os.Getenv("STATCANDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STATCANDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("STATCANDB_UPLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.UploadConcurrency = n
		}
	}
	if v := os.Getenv("R2_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STATCANDB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STATCANDB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("STATCANDB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("R2_ACCOUNT_ID"); v != "" {
		cfg.Storage.S3.AccountID = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}

	// Records configuration
	if v := os.Getenv("SQLITE_DB_URL"); v != "" {
		cfg.Records.DSN = v
	}
	if v := os.Getenv("STATCANDB_RECORDS_DSN"); v != "" {
		cfg.Records.DSN = v
	}

	// Delta configuration
	if v := os.Getenv("STATCANDB_DELTA_DOWNLOAD_DIR"); v != "" {
		cfg.Delta.DownloadDir = v
	}

	// Log configuration
	if v := os.Getenv("STATCANDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STATCANDB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("STATCANDB_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WorkDir,
	}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
