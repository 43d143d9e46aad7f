// Package compaction folds the write-ahead log into chunk files. A
// checkpoint writes every dirty chunk with a pool of workers, removes chunk
// files that no longer back any data, then truncates the log.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/partition"
)

// Options configures the checkpoint engine.
type Options struct {
	// Interval between periodic checkpoints. Zero disables the scheduler.
	Interval time.Duration

	// Workers is the number of chunks written in parallel.
	Workers int
}

// DefaultOptions returns the default checkpoint options.
func DefaultOptions() Options {
	return Options{
		Interval: time.Minute,
		Workers:  4,
	}
}

// Engine runs checkpoints against a partition manager.
type Engine struct {
	parts *partition.Manager
	opts  Options
	log   *slog.Logger

	// runMu serializes checkpoints started by the scheduler and Flush.
	runMu sync.Mutex

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}

	// Statistics
	stats Stats
}

// Stats holds checkpoint statistics.
type Stats struct {
	Runs           atomic.Int64
	Failures       atomic.Int64
	ChunksWritten  atomic.Int64
	OrphansRemoved atomic.Int64
	SegmentsPurged atomic.Int64
	LastDurationNs atomic.Int64
}

// New creates a new checkpoint engine.
func New(parts *partition.Manager, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		parts:   parts,
		opts:    opts,
		log:     logging.Component("checkpoint"),
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
	}
}

// Start starts the scheduler.
func (e *Engine) Start() error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	e.running.Store(true)

	e.wg.Add(1)
	go e.scheduler()

	return nil
}

// Stop stops the scheduler and runs a final checkpoint.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}

	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	_, err := e.Flush(context.Background())
	return err
}

// Trigger requests a checkpoint from the scheduler without waiting for it.
// Requests made while one is pending are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// scheduler runs a checkpoint on every tick with pending log volume and on
// every trigger.
func (e *Engine) scheduler() {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.opts.Interval > 0 {
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick:
			if e.parts.PendingWALBytes() == 0 {
				continue
			}
		case <-e.trigger:
		}
		if _, err := e.Flush(e.ctx); err != nil && e.ctx.Err() == nil {
			e.log.Error("checkpoint failed", "error", err)
		}
	}
}

// Flush runs one checkpoint synchronously. When ctx ends mid-way, chunks
// already written stay recorded and the log is kept.
func (e *Engine) Flush(ctx context.Context) (partition.CheckpointStats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	e.stats.Runs.Add(1)

	stats, err := e.run(ctx)
	e.stats.LastDurationNs.Store(int64(time.Since(start)))
	if err != nil {
		e.stats.Failures.Add(1)
		return stats, err
	}

	e.stats.ChunksWritten.Add(int64(stats.ChunksWritten))
	e.stats.OrphansRemoved.Add(int64(stats.OrphansRemoved))
	e.stats.SegmentsPurged.Add(int64(stats.SegmentsPurged))

	if stats.ChunksWritten > 0 || stats.OrphansRemoved > 0 {
		e.log.Info("checkpoint complete",
			"chunks", stats.ChunksWritten,
			"orphans", stats.OrphansRemoved,
			"segments_purged", stats.SegmentsPurged,
			"duration", time.Since(start))
	}
	return stats, nil
}

func (e *Engine) run(ctx context.Context) (partition.CheckpointStats, error) {
	if err := ctx.Err(); err != nil {
		return partition.CheckpointStats{}, err
	}

	cp, err := e.parts.BeginCheckpoint()
	if err != nil {
		return partition.CheckpointStats{}, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, job := range cp.Jobs() {
		job := job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := cp.Write(job); err != nil {
				return fmt.Errorf("write %s: %w", job.Path, err)
			}
			mu.Lock()
			cp.MarkWritten(job)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cp.Abort()
		return partition.CheckpointStats{}, err
	}
	return cp.Finish()
}

// EngineStats is a snapshot of engine statistics.
type EngineStats struct {
	Running        bool
	Runs           int64
	Failures       int64
	ChunksWritten  int64
	OrphansRemoved int64
	SegmentsPurged int64
	LastDuration   time.Duration
}

// Stats returns current statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Running:        e.running.Load(),
		Runs:           e.stats.Runs.Load(),
		Failures:       e.stats.Failures.Load(),
		ChunksWritten:  e.stats.ChunksWritten.Load(),
		OrphansRemoved: e.stats.OrphansRemoved.Load(),
		SegmentsPurged: e.stats.SegmentsPurged.Load(),
		LastDuration:   time.Duration(e.stats.LastDurationNs.Load()),
	}
}

// IsRunning returns whether the scheduler is running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}
