// Package partition owns the in-memory and on-disk state of every series.
//
// Each series is a sorted list of chunks (one UTC day for intraday series,
// one calendar year for daily series). The current state of a series is an
// immutable snapshot behind an atomic pointer: readers load it once and
// never block writers. Writers serialize per chunk, commit through the
// write-ahead log, then publish a new snapshot.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/wal"
)

// Options configures the partition manager.
type Options struct {
	// DataDir holds one directory per series and the wal directory.
	DataDir string

	WAL     wal.Options
	Parquet parquet.Options

	// LoadWorkers bounds parallel chunk reads at open. Default: 4
	LoadWorkers int
}

// Manager owns every series' chunks and the write-ahead log.
type Manager struct {
	dataDir string
	popts   parquet.Options
	wal     *wal.Writer
	log     *slog.Logger

	// commitMu: commits (WAL append + publish) share it; a checkpoint cut
	// takes it exclusively so the cut sees every appended entry published.
	commitMu sync.RWMutex

	// maintMu serializes checkpoints, evictions and partition creation,
	// the only operations that touch chunk files.
	maintMu sync.Mutex

	slots   map[types.SeriesID]*slot
	version atomic.Uint64
	closed  atomic.Bool
}

// slot is the per-series mutable cell.
type slot struct {
	entry registry.Entry
	state atomic.Pointer[seriesState]

	// publishMu orders snapshot swaps of writers holding disjoint chunks.
	publishMu sync.Mutex
	// evictMu is read-held by transactions and write-held by eviction.
	evictMu sync.RWMutex

	locks lockTable

	// persisted maps chunk start to the version last written to disk.
	// Guarded by Manager.maintMu.
	persisted map[int64]uint64
}

// WALDir returns the write-ahead log directory under dataDir.
func WALDir(dataDir string) string {
	return filepath.Join(dataDir, "wal")
}

// Open loads every chunk file, replays the write-ahead log over them and
// starts a fresh log segment.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("partition: data dir required")
	}
	if opts.LoadWorkers <= 0 {
		opts.LoadWorkers = 4
	}

	m := &Manager{
		dataDir: opts.DataDir,
		popts:   opts.Parquet,
		log:     logging.Component("partition"),
		slots:   make(map[types.SeriesID]*slot),
	}

	start := time.Now()
	for _, e := range registry.All() {
		s := &slot{entry: e, persisted: make(map[int64]uint64)}
		s.locks.init()
		s.state.Store(emptyState)
		m.slots[e.ID] = s
	}

	if err := m.load(ctx, opts.LoadWorkers); err != nil {
		return nil, errs.Unavailable(err, "load chunks")
	}

	stats, err := wal.Replay(WALDir(m.dataDir), 0, m.replay)
	if err != nil {
		return nil, errs.Unavailable(err, "replay wal")
	}
	if stats.TornTails > 0 {
		m.log.Warn("wal segment ended in a torn record", "segments", stats.TornTails)
	}

	w, err := wal.NewWriter(WALDir(m.dataDir), opts.WAL)
	if err != nil {
		return nil, errs.Unavailable(err, "open wal")
	}
	m.wal = w

	m.log.Info("partition manager opened",
		"series", len(m.slots),
		"wal_entries_replayed", stats.Entries,
		"duration", time.Since(start))

	return m, nil
}

func (m *Manager) load(ctx context.Context, workers int) error {
	type loaded struct {
		s *slot
		c *chunk
	}

	var mu sync.Mutex
	var chunks []loaded

	type listing struct {
		s     *slot
		files []parquet.ChunkFile
	}
	listings := make([]listing, 0, len(m.slots))
	for _, s := range m.slots {
		if _, err := parquet.RemoveStaleTemp(m.dataDir, s.entry.ID); err != nil {
			return fmt.Errorf("clean %s: %w", s.entry.ID, err)
		}
		files, err := parquet.ListChunks(m.dataDir, s.entry.ID, s.entry.Granularity)
		if err != nil {
			return fmt.Errorf("list %s: %w", s.entry.ID, err)
		}
		listings = append(listings, listing{s: s, files: files})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, l := range listings {
		s := l.s
		for _, f := range l.files {
			f := f
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				recs, err := parquet.ReadChunk(f.Path)
				if err != nil {
					return fmt.Errorf("read %s: %w", f.Path, err)
				}
				sort.SliceStable(recs, func(i, j int) bool { return recs[i].TimestampMs < recs[j].TimestampMs })
				startMs := f.Start.UnixMilli()
				c := &chunk{start: startMs, end: chunkEndMs(s.entry.Granularity, startMs), records: dedupe(recs)}
				mu.Lock()
				chunks = append(chunks, loaded{s: s, c: c})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bySlot := make(map[*slot][]*chunk)
	for _, l := range chunks {
		l.c.version = m.nextVersion()
		l.s.persisted[l.c.start] = l.c.version
		bySlot[l.s] = append(bySlot[l.s], l.c)
	}
	for s, cs := range bySlot {
		sort.Slice(cs, func(i, j int) bool { return cs[i].start < cs[j].start })
		s.state.Store(&seriesState{chunks: cs})
	}
	return nil
}

// dedupe keeps the last record of each key in a sorted slice.
func dedupe(recs []types.Record) []types.Record {
	if len(recs) < 2 {
		return recs
	}
	out := recs[:1]
	for _, r := range recs[1:] {
		if r.TimestampMs == out[len(out)-1].TimestampMs {
			out[len(out)-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *Manager) replay(e *wal.Entry) error {
	s, ok := m.slots[e.Series]
	if !ok {
		m.log.Warn("skipping wal entry for unregistered series", "series", e.Series, "kind", e.Kind)
		return nil
	}
	cur := s.state.Load()
	switch e.Kind {
	case wal.KindPut:
		s.state.Store(cur.withPut(s.entry.Granularity, e.Records, m.nextVersion))
	case wal.KindEvict:
		next, _, _ := cur.withEvict(e.CutoffMs, m.nextVersion)
		s.state.Store(next)
	}
	return nil
}

func (m *Manager) nextVersion() uint64 {
	return m.version.Add(1)
}

func (m *Manager) slot(id types.SeriesID) (*slot, error) {
	if m.closed.Load() {
		return nil, errs.ErrClosed
	}
	s, ok := m.slots[id]
	if !ok {
		return nil, errs.NewUnknownSeries(string(id))
	}
	return s, nil
}

func (m *Manager) chunkPath(s *slot, startMs int64) string {
	return parquet.ChunkPath(m.dataDir, s.entry.ID, s.entry.Granularity, time.UnixMilli(startMs))
}

// publish swaps in the state produced by fn.
func (s *slot) publish(fn func(cur *seriesState) *seriesState) {
	s.publishMu.Lock()
	s.state.Store(fn(s.state.Load()))
	s.publishMu.Unlock()
}

// Entry returns the registry entry of a series.
func (m *Manager) Entry(id types.SeriesID) (registry.Entry, error) {
	s, err := m.slot(id)
	if err != nil {
		return registry.Entry{}, err
	}
	return s.entry, nil
}

// PendingWALBytes returns the log volume not yet folded into chunk files.
func (m *Manager) PendingWALBytes() int64 {
	if m.wal == nil {
		return 0
	}
	return m.wal.PendingBytes()
}

// Stats summarizes the manager.
type Stats struct {
	Series          int
	Chunks          int
	Records         int
	DirtyChunks     int
	PendingWALBytes int64
	WAL             wal.WriterStats
}

// Stats returns a point-in-time summary.
func (m *Manager) Stats() Stats {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	st := Stats{Series: len(m.slots), PendingWALBytes: m.PendingWALBytes()}
	if m.wal != nil {
		st.WAL = m.wal.Stats()
	}
	for _, s := range m.slots {
		cur := s.state.Load()
		st.Chunks += len(cur.chunks)
		st.Records += cur.count()
		for _, c := range cur.chunks {
			if s.persisted[c.start] != c.version {
				st.DirtyChunks++
			}
		}
	}
	return st
}

// Close stops accepting operations and closes the write-ahead log. Callers
// checkpoint first if they want chunk files current; anything not
// checkpointed is recovered from the log on the next Open.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.wal != nil {
		return m.wal.Close()
	}
	return nil
}

// =============================================================================
// Partition lifecycle
// =============================================================================

// EnsurePartition returns the chunk that owns key, creating it and its file
// if needed. Repeated calls return the same handle.
func (m *Manager) EnsurePartition(ctx context.Context, id types.SeriesID, key time.Time) (types.PartitionHandle, error) {
	s, err := m.slot(id)
	if err != nil {
		return types.PartitionHandle{}, err
	}
	g := s.entry.Granularity
	start := g.ChunkStart(key)
	handle := types.PartitionHandle{
		Series: id,
		Start:  start,
		End:    g.ChunkEnd(start),
		Path:   m.chunkPath(s, start.UnixMilli()),
	}

	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	lock := s.locks.get(start.UnixMilli())
	if err := lock.acquire(ctx); err != nil {
		return types.PartitionHandle{}, err
	}
	defer lock.release()

	startMs := start.UnixMilli()
	var created bool
	s.publish(func(cur *seriesState) *seriesState {
		next, ok := cur.withChunk(g, startMs, m.nextVersion)
		created = ok
		return next
	})

	cur := s.state.Load()
	i, _ := cur.find(startMs)
	c := cur.chunks[i]
	if s.persisted[startMs] == c.version {
		return handle, nil
	}
	if err := parquet.WriteChunk(handle.Path, c.records, m.popts); err != nil {
		return types.PartitionHandle{}, errs.Unavailable(err, "write chunk")
	}
	s.persisted[startMs] = c.version

	if created {
		m.log.Debug("partition created", "series", id, "chunk", g.ChunkName(start))
	}
	return handle, nil
}

// EvictBefore removes every key of a series strictly before cutoff. Chunks
// entirely before cutoff are dropped with their files; the chunk holding
// cutoff is trimmed. The change is logged before it is published, so it is
// all-or-nothing across a crash.
func (m *Manager) EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error) {
	s, err := m.slot(id)
	if err != nil {
		return types.EvictResult{}, err
	}
	res := types.EvictResult{Series: id, Cutoff: cutoff.UTC()}
	cutoffMs := cutoff.UnixMilli()

	m.maintMu.Lock()
	defer m.maintMu.Unlock()
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	next, dropped, removed := s.state.Load().withEvict(cutoffMs, m.nextVersion)
	if len(dropped) == 0 && removed == 0 {
		return res, nil
	}

	m.commitMu.RLock()
	if _, err := m.wal.Append(&wal.Entry{Kind: wal.KindEvict, Series: id, CutoffMs: cutoffMs}); err != nil {
		m.commitMu.RUnlock()
		return res, errs.Unavailable(err, "append wal")
	}
	// The entry must reach the log before any chunk file is removed.
	if err := m.wal.Sync(); err != nil {
		m.commitMu.RUnlock()
		return res, errs.Unavailable(err, "sync wal")
	}
	s.publish(func(*seriesState) *seriesState { return next })
	m.commitMu.RUnlock()

	res.ChunksDropped = len(dropped)
	res.RecordsRemoved = removed

	for _, c := range dropped {
		if err := removeFile(m.chunkPath(s, c.start)); err != nil {
			m.log.Warn("failed to remove evicted chunk file", "series", id, "error", err)
		}
		delete(s.persisted, c.start)
		s.locks.drop(c.start)
	}

	m.log.Info("evicted",
		"series", id,
		"cutoff", res.Cutoff,
		"chunks_dropped", res.ChunksDropped,
		"records_removed", res.RecordsRemoved)

	return res, nil
}
