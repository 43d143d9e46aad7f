// Package storage wires the storage components into one service: a
// backend (local chunk files or TimescaleDB), ingestion, queries,
// checkpointing, backpressure, retention and the latest-record cache.
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/backpressure"
	"github.com/xtxerr/barstore/internal/storage/cache"
	"github.com/xtxerr/barstore/internal/storage/compaction"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/ingestion"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/partition"
	"github.com/xtxerr/barstore/internal/storage/query"
	"github.com/xtxerr/barstore/internal/storage/retention"
	"github.com/xtxerr/barstore/internal/storage/timescale"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/upsert"
	"github.com/xtxerr/barstore/internal/storage/wal"
)

// ErrNotRunning is returned by operations on a service that is not started.
var ErrNotRunning = fmt.Errorf("service not running: %w", errs.ErrStorageUnavailable)

// Service is the main storage service that orchestrates all components.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	log    *slog.Logger

	// Components
	backend   Backend
	sql       SQLRunner
	ingestion *ingestion.Service
	query     *query.Engine
	retention *retention.Manager
	cache     *cache.Latest

	// Local backend only
	parts        *partition.Manager
	compaction   *compaction.Engine
	backpressure *backpressure.Controller

	// State
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	startTime time.Time
}

// New opens the configured backend and builds every component.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		config: cfg,
		log:    logging.Component("storage"),
	}

	var err error
	switch cfg.Backend {
	case config.BackendTimescale:
		err = s.openTimescale(ctx)
	default:
		err = s.openLocal(ctx)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		client, err := cache.Connect(ctx, cfg.Cache)
		if err != nil {
			s.backend.Close()
			if c, ok := s.sql.(*query.SQL); ok {
				c.Close()
			}
			return nil, errs.Unavailable(err, "connect cache")
		}
		s.cache = cache.New(client, cfg.Cache)
	}

	s.query = query.New(s.backend, cfg.Query.Percentiles)
	s.ingestion = ingestion.New(s)
	s.retention = retention.New(retentionStore{s}, retention.MaxAge{Config: cfg.Retention}, s.localDataDir())

	return s, nil
}

func (s *Service) openLocal(ctx context.Context) error {
	cfg := s.config
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	parts, err := partition.Open(ctx, partition.Options{
		DataDir: cfg.DataDir,
		WAL: wal.Options{
			MaxSegmentSize: cfg.WAL.MaxSegmentSize,
			SyncMode:       cfg.WAL.SyncMode,
			SyncInterval:   cfg.WAL.SyncInterval,
		},
		Parquet: parquet.Options{
			Compression: parquet.ParseCompressionType(cfg.Compression.Algorithm),
			Fsync:       cfg.Checkpoint.Fsync,
		},
		LoadWorkers: cfg.Checkpoint.LoadWorkers,
	})
	if err != nil {
		return fmt.Errorf("open partitions: %w", err)
	}

	comp := compaction.New(parts, compaction.Options{
		Interval: cfg.Checkpoint.Interval,
		Workers:  cfg.Checkpoint.Workers,
	})

	var opts []upsert.Option
	if cfg.Backpressure.Enabled {
		bp := backpressure.New(cfg.Backpressure, parts)
		bp.SetOnLevelChange(s.onBackpressureChange)
		s.backpressure = bp
		opts = append(opts, upsert.WithGate(bp))
	}

	sqlEngine, err := query.NewSQL(cfg.DataDir, cfg.Query.MemoryLimit)
	if err != nil {
		parts.Close()
		return fmt.Errorf("open sql engine: %w", err)
	}

	s.parts = parts
	s.compaction = comp
	s.sql = sqlEngine
	s.backend = &localBackend{Manager: parts, engine: upsert.New(parts, opts...)}
	return nil
}

func (s *Service) openTimescale(ctx context.Context) error {
	store, err := timescale.Open(ctx, s.config.Timescale)
	if err != nil {
		return err
	}
	s.backend = store
	s.sql = store
	return nil
}

func (s *Service) localDataDir() string {
	if s.parts == nil {
		return ""
	}
	return s.config.DataDir
}

// Start starts the background workers.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("service already running")
	}
	if s.closed.Load() {
		return errs.ErrClosed
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()

	if s.compaction != nil {
		if err := s.compaction.Start(); err != nil {
			s.cancel()
			return fmt.Errorf("start compaction: %w", err)
		}
	}

	if s.backpressure != nil {
		s.wg.Add(1)
		go s.backpressureWorker()
	}

	if s.config.Retention.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retention.Run(s.ctx, s.config.Retention.Interval)
		}()
	}

	s.running.Store(true)
	s.log.Info("storage started", "backend", s.config.Backend)
	return nil
}

// Stop stops the workers, checkpoints and closes every component. A
// service that was never started is closed as well. Later calls return
// the first result.
func (s *Service) Stop() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stop()
	})
	return s.closeErr
}

func (s *Service) stop() error {
	s.running.Store(false)
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}

	// Wait for background workers
	s.wg.Wait()

	var failed []error

	if s.compaction != nil {
		if err := s.compaction.Stop(); err != nil {
			failed = append(failed, fmt.Errorf("stop compaction: %w", err))
		}
	}
	if c, ok := s.sql.(*query.SQL); ok {
		if err := c.Close(); err != nil {
			failed = append(failed, fmt.Errorf("close sql: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			failed = append(failed, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := s.backend.Close(); err != nil {
		failed = append(failed, fmt.Errorf("close backend: %w", err))
	}

	s.log.Info("storage stopped")
	return errors.Join(failed...)
}

// backpressureWorker periodically re-evaluates backpressure so the level
// drops after a checkpoint even without writes.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.backpressure.Check()
		}
	}
}

// onBackpressureChange checkpoints early once pending log reaches Warning.
func (s *Service) onBackpressureChange(from, to backpressure.Level) {
	if to >= backpressure.LevelWarning && to > from {
		s.log.Warn("backpressure raised", "from", from, "to", to)
		s.compaction.Trigger()
	} else if to < from {
		s.log.Info("backpressure lowered", "from", from, "to", to)
	}
}

func (s *Service) check() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id types.SeriesID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.log.Warn("cache invalidation failed", "series", id, "error", err)
	}
}

// Upsert writes a batch to one series under a conflict policy.
func (s *Service) Upsert(ctx context.Context, id types.SeriesID, batch []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error) {
	if err := s.check(); err != nil {
		return types.UpsertResult{}, err
	}
	res, err := s.backend.Upsert(ctx, id, batch, policy)
	if err == nil && res.Inserted+res.Updated > 0 {
		s.invalidate(ctx, id)
	}
	return res, err
}

// Ingest validates and writes raw rows, one batch per series.
func (s *Service) Ingest(ctx context.Context, raws []types.RawRecord, policy types.ConflictPolicy) (ingestion.Report, error) {
	if err := s.check(); err != nil {
		return ingestion.Report{}, err
	}
	return s.ingestion.Ingest(ctx, raws, policy)
}

// DryRun validates raw rows and previews them without writing.
func (s *Service) DryRun(raws []types.RawRecord) ([]ingestion.Preview, error) {
	return s.ingestion.DryRun(raws)
}

// Query returns the records of a range, optionally bucketed.
func (s *Service) Query(ctx context.Context, req query.Request) (iter.Seq2[types.Record, error], error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.query.Query(ctx, req)
}

// Describe summarizes one series.
func (s *Service) Describe(ctx context.Context, id types.SeriesID) (query.Description, error) {
	if err := s.check(); err != nil {
		return query.Description{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.query.Describe(ctx, id)
}

// Latest returns the record with the greatest key, through the cache when
// one is configured.
func (s *Service) Latest(ctx context.Context, id types.SeriesID) (types.Record, bool, error) {
	if err := s.check(); err != nil {
		return types.Record{}, false, err
	}
	if s.cache == nil {
		return s.backend.Latest(ctx, id)
	}
	return s.cache.GetOrLoad(ctx, id, func(ctx context.Context) (types.Record, bool, error) {
		return s.backend.Latest(ctx, id)
	})
}

// QuerySQL runs an ad-hoc SQL statement, keeping at most the configured
// number of rows.
func (s *Service) QuerySQL(ctx context.Context, q string) (query.SQLResult, error) {
	if err := s.check(); err != nil {
		return query.SQLResult{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.sql.Execute(ctx, q)
	if err != nil {
		return res, err
	}
	res.Limit(s.config.Query.MaxRows)
	return res, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Query.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Query.Timeout)
	}
	return context.WithCancel(ctx)
}

// EnsurePartition creates the chunk owning key if needed.
func (s *Service) EnsurePartition(ctx context.Context, id types.SeriesID, key time.Time) (types.PartitionHandle, error) {
	if err := s.check(); err != nil {
		return types.PartitionHandle{}, err
	}
	return s.backend.EnsurePartition(ctx, id, key)
}

// EvictBefore removes every key of a series before cutoff.
func (s *Service) EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error) {
	if err := s.check(); err != nil {
		return types.EvictResult{}, err
	}
	res, err := s.backend.EvictBefore(ctx, id, cutoff)
	if err == nil && res.RecordsRemoved > 0 {
		s.invalidate(ctx, id)
	}
	return res, err
}

// Flush checkpoints pending writes into chunk files. It is a no-op on
// backends without a write-ahead log.
func (s *Service) Flush(ctx context.Context) (partition.CheckpointStats, error) {
	if err := s.check(); err != nil {
		return partition.CheckpointStats{}, err
	}
	if s.compaction == nil {
		return partition.CheckpointStats{}, nil
	}
	return s.compaction.Flush(ctx)
}

// RunRetention evicts expired data now.
func (s *Service) RunRetention(ctx context.Context) ([]retention.CleanupResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.retention.RunCleanup(ctx)
}

// retentionStore evicts through the backend and keeps the cache coherent.
type retentionStore struct {
	s *Service
}

func (r retentionStore) EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error) {
	res, err := r.s.backend.EvictBefore(ctx, id, cutoff)
	if err == nil && res.RecordsRemoved > 0 {
		r.s.invalidate(ctx, id)
	}
	return res, err
}

func (r retentionStore) Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error) {
	return r.s.backend.Scan(ctx, id, from, to)
}

// DryRunRetention reports what RunRetention would remove.
func (s *Service) DryRunRetention(ctx context.Context) ([]retention.CleanupResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.retention.DryRun(ctx)
}

// DiskUsage returns chunk file usage per series.
func (s *Service) DiskUsage() ([]retention.DiskUsage, error) {
	return s.retention.GetDiskUsage()
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() && s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	stats := ServiceStats{
		Running:   s.running.Load(),
		Backend:   s.config.Backend,
		Uptime:    uptime,
		Ingestion: s.ingestion.Stats(),
		Query:     s.query.Stats(),
		Retention: s.retention.Stats(),
	}
	if s.parts != nil {
		stats.Partitions = s.parts.Stats()
	}
	if s.compaction != nil {
		stats.Compaction = s.compaction.Stats()
	}
	if s.backpressure != nil {
		stats.Backpressure = s.backpressure.Stats()
	}
	if s.cache != nil {
		stats.Cache = s.cache.Stats()
	}
	return stats
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running      bool
	Backend      string
	Uptime       time.Duration
	Ingestion    ingestion.ServiceStats
	Query        query.Stats
	Retention    retention.Stats
	Partitions   partition.Stats
	Compaction   compaction.EngineStats
	Backpressure backpressure.ControllerStats
	Cache        cache.Stats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	if s.backpressure == nil {
		return backpressure.LevelNormal
	}
	return s.backpressure.CurrentLevel()
}
