package partition

import (
	"context"
	"iter"
	"sort"
	"time"

	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Snapshot is a consistent, immutable view of one series.
type Snapshot struct {
	entry registry.Entry
	state *seriesState
}

// Snapshot captures the current state of a series.
func (m *Manager) Snapshot(id types.SeriesID) (*Snapshot, error) {
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{entry: s.entry, state: s.state.Load()}, nil
}

// Entry returns the series' registry entry.
func (s *Snapshot) Entry() registry.Entry { return s.entry }

// Count returns the number of records.
func (s *Snapshot) Count() int { return s.state.count() }

// First returns the earliest record.
func (s *Snapshot) First() (types.Record, bool) {
	for _, c := range s.state.chunks {
		if len(c.records) > 0 {
			return c.records[0], true
		}
	}
	return types.Record{}, false
}

// Last returns the latest record.
func (s *Snapshot) Last() (types.Record, bool) {
	for i := len(s.state.chunks) - 1; i >= 0; i-- {
		c := s.state.chunks[i]
		if len(c.records) > 0 {
			return c.records[len(c.records)-1], true
		}
	}
	return types.Record{}, false
}

// ChunkInfo describes one chunk of a snapshot.
type ChunkInfo struct {
	Start   time.Time
	End     time.Time
	Records int
}

// Chunks lists the chunks in order.
func (s *Snapshot) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, len(s.state.chunks))
	for i, c := range s.state.chunks {
		out[i] = ChunkInfo{Start: time.UnixMilli(c.start).UTC(), End: time.UnixMilli(c.end).UTC(), Records: len(c.records)}
	}
	return out
}

// Range yields records with fromMs <= key <= toMs in ascending order. The
// sequence can be iterated any number of times.
func (s *Snapshot) Range(fromMs, toMs int64) iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		if fromMs > toMs {
			return
		}
		chunks := s.state.chunks
		ci := sort.Search(len(chunks), func(i int) bool { return chunks[i].end > fromMs })
		for ; ci < len(chunks); ci++ {
			c := chunks[ci]
			if c.start > toMs {
				return
			}
			ri, _ := c.find(fromMs)
			for ; ri < len(c.records); ri++ {
				r := c.records[ri]
				if r.TimestampMs > toMs {
					return
				}
				if !yield(r) {
					return
				}
			}
		}
	}
}

// cancelCheckEvery bounds how many records are yielded between context
// checks during a scan.
const cancelCheckEvery = 256

// Scan streams the records of a series in [from, to] from a snapshot taken
// now. A cancelled context ends the sequence with ctx.Err().
func (m *Manager) Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error) {
	snap, err := m.Snapshot(id)
	if err != nil {
		return nil, err
	}
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	return func(yield func(types.Record, error) bool) {
		n := 0
		for r := range snap.Range(fromMs, toMs) {
			if n%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					yield(types.Record{}, err)
					return
				}
			}
			n++
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// Latest returns the most recent record of a series.
func (m *Manager) Latest(ctx context.Context, id types.SeriesID) (types.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, false, err
	}
	snap, err := m.Snapshot(id)
	if err != nil {
		return types.Record{}, false, err
	}
	r, ok := snap.Last()
	return r, ok, nil
}
