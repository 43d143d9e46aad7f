package partition

import (
	"context"
	"os"
	"sort"
	"sync"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/wal"
)

// chunkLock is a mutex that can be abandoned when a context ends.
type chunkLock chan struct{}

func (l chunkLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chunkLock) release() { <-l }

// lockTable hands out one lock per chunk start.
type lockTable struct {
	mu sync.Mutex
	m  map[int64]chunkLock
}

func (t *lockTable) init() {
	t.m = make(map[int64]chunkLock)
}

func (t *lockTable) get(start int64) chunkLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.m[start]
	if !ok {
		l = make(chunkLock, 1)
		t.m[start] = l
	}
	return l
}

// drop forgets the lock of an evicted chunk. Callers hold the series'
// evictMu exclusively, so no transaction can be waiting on it.
func (t *lockTable) drop(start int64) {
	t.mu.Lock()
	delete(t.m, start)
	t.mu.Unlock()
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Tx holds exclusive access to the chunks covering a set of keys of one
// series. Lookups see the latest committed state of those chunks.
type Tx struct {
	m     *Manager
	s     *slot
	held  []chunkLock
	ended bool
}

// Begin locks the chunks owning keys. Locks are taken in chunk order, so
// transactions over overlapping chunk sets cannot deadlock. Release must be
// called once the transaction is finished.
func (m *Manager) Begin(ctx context.Context, id types.SeriesID, keys []int64) (*Tx, error) {
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	g := s.entry.Granularity

	startSet := make(map[int64]struct{})
	for _, k := range keys {
		startSet[chunkStartMs(g, k)] = struct{}{}
	}
	starts := make([]int64, 0, len(startSet))
	for st := range startSet {
		starts = append(starts, st)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	s.evictMu.RLock()
	tx := &Tx{m: m, s: s, held: make([]chunkLock, 0, len(starts))}
	for _, st := range starts {
		l := s.locks.get(st)
		if err := l.acquire(ctx); err != nil {
			tx.Release()
			return nil, err
		}
		tx.held = append(tx.held, l)
	}
	return tx, nil
}

// Entry returns the registry entry of the transaction's series.
func (tx *Tx) Entry() registry.Entry {
	return tx.s.entry
}

// Lookup returns the stored record at ms.
func (tx *Tx) Lookup(ms int64) (types.Record, bool) {
	return tx.s.state.Load().lookup(tx.s.entry.Granularity, ms)
}

// Commit logs recs as one entry and publishes them. Nothing is changed if
// ctx is done before the log append. recs must lie in the locked chunks.
func (tx *Tx) Commit(ctx context.Context, batchID string, recs []types.Record) (int64, error) {
	if tx.ended {
		return 0, errs.Wrap(errs.ErrStorageUnavailable, "transaction already released")
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m := tx.m
	m.commitMu.RLock()
	defer m.commitMu.RUnlock()

	if m.closed.Load() {
		return 0, errs.ErrClosed
	}

	n, err := m.wal.Append(&wal.Entry{Kind: wal.KindPut, Series: tx.s.entry.ID, BatchID: batchID, Records: recs})
	if err != nil {
		return 0, errs.Unavailable(err, "append wal")
	}

	g := tx.s.entry.Granularity
	tx.s.publish(func(cur *seriesState) *seriesState {
		return cur.withPut(g, recs, m.nextVersion)
	})
	return n, nil
}

// Release unlocks every chunk. Safe to call more than once.
func (tx *Tx) Release() {
	if tx.ended {
		return
	}
	tx.ended = true
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].release()
	}
	tx.held = nil
	tx.s.evictMu.RUnlock()
}
