// Package retention removes data older than each series' retention by
// evicting through the storage backend, and reports disk usage of the
// local chunk files.
package retention

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Store is the backend retention evicts from.
type Store interface {
	EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error)
	Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error)
}

// Manager handles cleanup of expired data.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	policy  Policy
	dataDir string
	now     func() time.Time
	log     *slog.Logger
	stats   Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime    time.Time
	Runs           int64
	ChunksDropped  int64
	RecordsRemoved int64
	Errors         int64
}

// CleanupResult holds the result of a cleanup for one series.
type CleanupResult struct {
	Series         types.SeriesID
	Cutoff         time.Time
	ChunksDropped  int
	RecordsRemoved int
	DryRun         bool
	Err            error
}

// New creates a retention manager. dataDir may be empty when the backend
// keeps no local chunk files.
func New(store Store, policy Policy, dataDir string) *Manager {
	return &Manager{
		store:   store,
		policy:  policy,
		dataDir: dataDir,
		now:     time.Now,
		log:     logging.Component("retention"),
	}
}

// RunCleanup evicts expired data from every series with a cutoff. Errors
// are reported per series; the returned error joins them.
func (m *Manager) RunCleanup(ctx context.Context) ([]CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.stats.LastRunTime = now
	m.stats.Runs++

	var results []CleanupResult
	var failed []error

	for _, entry := range registry.All() {
		cutoff, ok := m.policy.Cutoff(entry, now)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := CleanupResult{Series: entry.ID, Cutoff: cutoff}
		res, err := m.store.EvictBefore(ctx, entry.ID, cutoff)
		if err != nil {
			result.Err = err
			failed = append(failed, fmt.Errorf("%s: %w", entry.ID, err))
			m.stats.Errors++
		} else {
			result.ChunksDropped = res.ChunksDropped
			result.RecordsRemoved = res.RecordsRemoved
			m.stats.ChunksDropped += int64(res.ChunksDropped)
			m.stats.RecordsRemoved += int64(res.RecordsRemoved)
		}
		results = append(results, result)

		if result.RecordsRemoved > 0 {
			m.log.Info("evicted expired data",
				"series", entry.ID,
				"cutoff", cutoff,
				"records", result.RecordsRemoved,
				"chunks", result.ChunksDropped)
		}
	}

	return results, errors.Join(failed...)
}

// DryRun counts what RunCleanup would remove without changing anything.
func (m *Manager) DryRun(ctx context.Context) ([]CleanupResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var results []CleanupResult

	for _, entry := range registry.All() {
		cutoff, ok := m.policy.Cutoff(entry, now)
		if !ok {
			continue
		}

		result := CleanupResult{Series: entry.ID, Cutoff: cutoff, DryRun: true}
		seq, err := m.store.Scan(ctx, entry.ID, time.UnixMilli(types.MinKeyMs), cutoff.Add(-time.Millisecond))
		if err != nil {
			return results, err
		}
		for _, err := range seq {
			if err != nil {
				return results, err
			}
			result.RecordsRemoved++
		}
		results = append(results, result)
	}

	return results, nil
}

// Run calls RunCleanup every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunCleanup(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("retention run failed", "error", err)
			}
		}
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information for one series.
type DiskUsage struct {
	Series    types.SeriesID
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// GetDiskUsage returns chunk file usage per series, in registry order.
func (m *Manager) GetDiskUsage() ([]DiskUsage, error) {
	var usage []DiskUsage
	if m.dataDir == "" {
		return usage, nil
	}

	for _, entry := range registry.All() {
		files, err := parquet.ListChunks(m.dataDir, entry.ID, entry.Granularity)
		if err != nil {
			return usage, fmt.Errorf("list %s: %w", entry.ID, err)
		}

		u := DiskUsage{Series: entry.ID, FileCount: len(files)}
		for _, f := range files {
			u.TotalSize += f.Size
		}
		if len(files) > 0 {
			u.Oldest = files[0].Start
			u.Newest = files[len(files)-1].Start
		}
		usage = append(usage, u)
	}

	return usage, nil
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() (string, error) {
	usage, err := m.GetDiskUsage()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var totalSize int64
	var totalFiles int

	b.WriteString("Disk Usage:\n")
	for _, u := range usage {
		totalSize += u.TotalSize
		totalFiles += u.FileCount

		fmt.Fprintf(&b, "  %s: %d files, %s\n", u.Series, u.FileCount, config.FormatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, config.FormatBytes(totalSize))

	return b.String(), nil
}
