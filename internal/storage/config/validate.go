package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendLocal, "":
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the local backend"))
		}
	case BackendTimescale:
		if err := c.Timescale.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("timescale: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be one of: %s, %s", BackendLocal, BackendTimescale))
	}

	// WAL
	if err := c.WAL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}

	// Checkpoint
	if err := c.Checkpoint.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: %w", err))
	}

	// Compression
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty means uncompressed
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, errors.New("compression.algorithm must be one of: snappy, zstd, lz4, gzip, none"))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// Backpressure
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Cache
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	var errs []error

	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to fsync
	}
	if !validSyncModes[c.SyncMode] {
		errs = append(errs, errors.New("sync_mode must be one of: async, sync, fsync"))
	}

	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive for async mode"))
	}

	if c.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("max_segment_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the checkpoint configuration.
func (c *CheckpointConfig) Validate() error {
	var errs []error

	if c.Interval < 0 {
		errs = append(errs, errors.New("interval must be non-negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.LoadWorkers < 0 {
		errs = append(errs, errors.New("load_workers must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if c.MemoryLimit != "" && ParseSize(c.MemoryLimit) <= 0 {
		errs = append(errs, errors.New("memory_limit must be a size like 512MB"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if ParseSize(c.MaxPending) <= 0 {
		errs = append(errs, errors.New("max_pending must be a positive size"))
	}

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency > 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	// Recovery
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("recovery.hysteresis must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.New("recovery.cooldown must be non-negative"))
	}
	if c.MaxDelay < 0 {
		errs = append(errs, errors.New("max_delay must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Enabled && c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive when enabled"))
	}
	if c.Default < 0 {
		errs = append(errs, errors.New("default must be non-negative"))
	}
	for id, d := range c.Series {
		if _, err := registry.Resolve(types.SeriesID(id)); err != nil {
			errs = append(errs, fmt.Errorf("series %q: %w", id, err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("series %q: max age must be non-negative", id))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the TimescaleDB configuration.
func (c *TimescaleConfig) Validate() error {
	var errs []error

	if c.DSN == "" {
		if c.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if c.Name == "" {
			errs = append(errs, errors.New("name is required"))
		}
	}
	if c.MaxConns <= 0 {
		errs = append(errs, errors.New("max_conns must be positive"))
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		errs = append(errs, errors.New("min_conns must be between 0 and max_conns"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the cache configuration.
func (c *CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required when enabled"))
	}
	if c.TTL < 0 {
		errs = append(errs, errors.New("ttl must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WALDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// SeriesDir returns the chunk directory of a series.
func (c *Config) SeriesDir(id string) string {
	return filepath.Join(c.DataDir, id)
}
