// Package config provides configuration loading for the sync engine.
// Runtime settings come from the environment; per-table settings (content
// columns, partition keys, include/exclude lists) come from an optional
// YAML file referenced by SYNC_TABLES_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine configuration.
type Config struct {
	// Source database settings
	SourceHost     string
	SourcePort     int
	SourceDatabase string
	SourceUser     string
	SourcePassword string
	SourceSSLMode  string
	SourceSchema   string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Pipeline settings
	BatchSize       int
	TableWorkers    int
	DownloadWorkers int

	// Download skip policy
	MaxFileSizeBytes    int64
	SupportedExtensions []string
	DownloadDir         string

	// Object store settings (fallback fetch path)
	StoreEndpointURL     string
	StoreAccessKeyID     string
	StoreSecretAccessKey string
	StoreBucket          string
	StoreRegion          string
	StoreUseSSL          bool

	// Downstream index settings
	IndexEndpointURL string
	IndexNamespace   string
	IndexRateLimit   float64
	IndexRateBurst   int
	IndexTimeout     time.Duration

	// Checkpoint store
	CheckpointPath string

	// Retry settings shared by connection manager and downloader
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration

	// Delete reconciliation sample bound per table
	DeleteSampleSize int

	// Per-table settings
	Tables TablesConfig
}

// TableConfig holds static per-table settings.
type TableConfig struct {
	// ContentColumns are concatenated in order to form searchable text.
	ContentColumns []string `yaml:"content_columns"`

	// PartitionColumn names the column copied to IngestedRecord.PartitionKey.
	PartitionColumn string `yaml:"partition_column"`

	// IDColumn overrides the row id column (default "id").
	IDColumn string `yaml:"id_column"`
}

// TablesConfig is the YAML file shape.
type TablesConfig struct {
	Tables  map[string]TableConfig `yaml:"tables"`
	Include []string               `yaml:"include"`
	Exclude []string               `yaml:"exclude"`
}

// Load reads configuration from the environment and the optional tables file.
func Load() (*Config, error) {
	cfg := &Config{
		SourceHost:     getEnv("SYNC_SOURCE_HOST", "localhost"),
		SourcePort:     getEnvInt("SYNC_SOURCE_PORT", 5432),
		SourceDatabase: getEnv("SYNC_SOURCE_DATABASE", ""),
		SourceUser:     getEnv("SYNC_SOURCE_USER", ""),
		SourcePassword: getEnv("SYNC_SOURCE_PASSWORD", ""),
		SourceSSLMode:  getEnv("SYNC_SOURCE_SSL_MODE", "disable"),
		SourceSchema:   getEnv("SYNC_SOURCE_SCHEMA", "public"),

		MaxOpenConns:    getEnvInt("SYNC_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("SYNC_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("SYNC_CONN_MAX_LIFETIME", 5*time.Minute),

		BatchSize:       getEnvInt("SYNC_BATCH_SIZE", 500),
		TableWorkers:    getEnvInt("SYNC_TABLE_WORKERS", 4),
		DownloadWorkers: getEnvInt("SYNC_DOWNLOAD_WORKERS", 8),

		MaxFileSizeBytes:    getEnvInt64("SYNC_MAX_FILE_SIZE_BYTES", 50<<20),
		SupportedExtensions: getEnvList("SYNC_SUPPORTED_EXTENSIONS", "pdf,png,jpg,jpeg,tif,tiff"),
		DownloadDir:         getEnv("SYNC_DOWNLOAD_DIR", os.TempDir()),

		StoreEndpointURL:     getEnv("SYNC_STORE_ENDPOINT_URL", ""),
		StoreAccessKeyID:     getEnv("SYNC_STORE_ACCESS_KEY_ID", ""),
		StoreSecretAccessKey: getEnv("SYNC_STORE_SECRET_ACCESS_KEY", ""),
		StoreBucket:          getEnv("SYNC_STORE_BUCKET", ""),
		StoreRegion:          getEnv("SYNC_STORE_REGION", ""),
		StoreUseSSL:          getEnvBool("SYNC_STORE_USE_SSL", false),

		IndexEndpointURL: getEnv("SYNC_INDEX_ENDPOINT_URL", "http://localhost:8080"),
		IndexNamespace:   getEnv("SYNC_INDEX_NAMESPACE", "doc"),
		IndexRateLimit:   getEnvFloat("SYNC_INDEX_RATE_LIMIT", 50.0),
		IndexRateBurst:   getEnvInt("SYNC_INDEX_RATE_BURST", 10),
		IndexTimeout:     getEnvDuration("SYNC_INDEX_TIMEOUT", 30*time.Second),

		CheckpointPath: getEnv("SYNC_CHECKPOINT_PATH", "sync-checkpoints.db"),

		RetryMaxAttempts:  getEnvInt("SYNC_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getEnvDuration("SYNC_RETRY_INITIAL_DELAY", 500*time.Millisecond),

		DeleteSampleSize: getEnvInt("SYNC_DELETE_SAMPLE_SIZE", 200),
	}

	if path := getEnv("SYNC_TABLES_FILE", ""); path != "" {
		tables, err := LoadTablesFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Tables = *tables
	}
	if cfg.Tables.Tables == nil {
		cfg.Tables.Tables = map[string]TableConfig{}
	}

	return cfg, nil
}

// SourceDSN builds the lib/pq connection string.
func (c *Config) SourceDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s default_transaction_read_only=on",
		c.SourceHost, c.SourcePort, c.SourceUser, c.SourcePassword, c.SourceDatabase, c.SourceSSLMode,
	)
}

// LoadTablesFile parses the per-table YAML configuration.
func LoadTablesFile(path string) (*TablesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	var tc TablesConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parse tables file: %w", err)
	}
	if tc.Tables == nil {
		tc.Tables = map[string]TableConfig{}
	}
	return &tc, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key, defaultVal string) []string {
	raw := getEnv(key, defaultVal)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
