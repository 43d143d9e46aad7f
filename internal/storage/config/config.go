// Package config loads and validates the barstore configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendLocal     = "local"
	BackendTimescale = "timescale"
)

// Config represents the complete storage configuration.
type Config struct {
	// Backend selects the storage engine: local or timescale.
	Backend string `yaml:"backend"`

	// DataDir is the root directory for chunk files and the WAL.
	DataDir string `yaml:"data_dir"`

	// WAL configures the Write-Ahead Log.
	WAL WALConfig `yaml:"wal"`

	// Checkpoint configures folding the WAL into chunk files.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Backpressure configures write admission.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Retention defines how long to keep each series.
	Retention RetentionConfig `yaml:"retention"`

	// Timescale configures the PostgreSQL/TimescaleDB backend.
	Timescale TimescaleConfig `yaml:"timescale"`

	// Cache configures the Redis latest-record cache.
	Cache CacheConfig `yaml:"cache"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// CheckpointConfig configures checkpoints.
type CheckpointConfig struct {
	// Interval between periodic checkpoints.
	Interval time.Duration `yaml:"interval"`

	// Workers is the number of chunk files written in parallel.
	Workers int `yaml:"workers"`

	// LoadWorkers is the number of chunk files read in parallel at open.
	LoadWorkers int `yaml:"load_workers"`

	// Fsync syncs chunk files and their directory after writing.
	Fsync bool `yaml:"fsync"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned by ad-hoc SQL.
	MaxRows int `yaml:"max_rows"`

	// Percentiles enables DDSketch percentiles in describe.
	Percentiles bool `yaml:"percentiles"`
}

// BackpressureConfig configures write admission.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// MaxPending is the un-checkpointed WAL volume that counts as full
	// usage, e.g. "256MB".
	MaxPending string `yaml:"max_pending"`

	// Thresholds defines usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`

	// MaxDelay is the writer delay at the critical level.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// BackpressureThresholds defines usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// RetentionConfig defines how long to keep data.
type RetentionConfig struct {
	// Enabled runs retention periodically in the service.
	Enabled bool `yaml:"enabled"`

	// Interval between retention runs.
	Interval time.Duration `yaml:"interval"`

	// Default is the maximum age for series without an override.
	// Zero keeps data forever.
	Default time.Duration `yaml:"default"`

	// Series overrides the maximum age per series id.
	Series map[string]time.Duration `yaml:"series"`
}

// MaxAge returns the configured maximum age for a series.
func (c *RetentionConfig) MaxAge(series string) time.Duration {
	if d, ok := c.Series[series]; ok {
		return d
	}
	return c.Default
}

// TimescaleConfig configures the TimescaleDB backend.
type TimescaleConfig struct {
	// DSN overrides the individual connection fields when set.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`

	MinConns int `yaml:"min_conns"`
	MaxConns int `yaml:"max_conns"`

	// Schema is the PostgreSQL schema holding the series tables.
	Schema string `yaml:"schema"`
}

// CacheConfig configures the Redis cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing and BARSTORE_* overrides applied after.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Environment overrides.
const (
	EnvBackend    = "BARSTORE_BACKEND"
	EnvDataDir    = "BARSTORE_DATA_DIR"
	EnvDSN        = "BARSTORE_DSN"
	EnvRedisAddr  = "BARSTORE_REDIS_ADDR"
	EnvRedisDB    = "BARSTORE_REDIS_DB"
	EnvLogLevel   = "BARSTORE_LOG_LEVEL"
	EnvDBPassword = "BARSTORE_DB_PASSWORD"
)

// ApplyEnv overrides fields from BARSTORE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvDSN); v != "" {
		c.Timescale.DSN = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Timescale.Password = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Cache.Addr = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.DB = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendLocal,
		DataDir: "/var/lib/barstore",
		WAL: WALConfig{
			SyncMode:       "fsync",
			SyncInterval:   time.Second,
			MaxSegmentSize: 64 * 1024 * 1024, // 64MB
		},
		Checkpoint: CheckpointConfig{
			Interval:    time.Minute,
			Workers:     4,
			LoadWorkers: 8,
			Fsync:       true,
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
			MaxRows:     100000,
			Percentiles: true,
		},
		Backpressure: BackpressureConfig{
			Enabled:    true,
			MaxPending: "256MB",
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   time.Second,
			},
			MaxDelay: 100 * time.Millisecond,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Interval: 24 * time.Hour,
		},
		Timescale: TimescaleConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "barstore",
			SSLMode:  "prefer",
			MinConns: 1,
			MaxConns: 8,
			Schema:   "public",
		},
		Cache: CacheConfig{
			Addr:      "localhost:6379",
			TTL:       10 * time.Minute,
			KeyPrefix: "barstore",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
