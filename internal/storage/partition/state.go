package partition

import (
	"sort"
	"time"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// chunk is one partition of a series. A published chunk is never mutated;
// every change produces a new chunk with a new version.
type chunk struct {
	start   int64 // inclusive, ms
	end     int64 // exclusive, ms
	records []types.Record
	version uint64
}

func (c *chunk) find(ms int64) (int, bool) {
	i := sort.Search(len(c.records), func(i int) bool { return c.records[i].TimestampMs >= ms })
	return i, i < len(c.records) && c.records[i].TimestampMs == ms
}

// seriesState is an immutable view of a series: chunks ordered by start.
type seriesState struct {
	chunks []*chunk
}

var emptyState = &seriesState{}

func chunkStartMs(g types.Granularity, ms int64) int64 {
	return g.ChunkStart(time.UnixMilli(ms)).UnixMilli()
}

func chunkEndMs(g types.Granularity, startMs int64) int64 {
	return g.ChunkEnd(time.UnixMilli(startMs).UTC()).UnixMilli()
}

func (s *seriesState) find(start int64) (int, bool) {
	i := sort.Search(len(s.chunks), func(i int) bool { return s.chunks[i].start >= start })
	return i, i < len(s.chunks) && s.chunks[i].start == start
}

func (s *seriesState) lookup(g types.Granularity, ms int64) (types.Record, bool) {
	ci, ok := s.find(chunkStartMs(g, ms))
	if !ok {
		return types.Record{}, false
	}
	c := s.chunks[ci]
	ri, ok := c.find(ms)
	if !ok {
		return types.Record{}, false
	}
	return c.records[ri], true
}

func (s *seriesState) count() int {
	n := 0
	for _, c := range s.chunks {
		n += len(c.records)
	}
	return n
}

// withPut returns a state with recs applied. recs need not be sorted but
// must not repeat a key.
func (s *seriesState) withPut(g types.Granularity, recs []types.Record, nextVersion func() uint64) *seriesState {
	groups := make(map[int64][]types.Record)
	for _, r := range recs {
		start := chunkStartMs(g, r.TimestampMs)
		groups[start] = append(groups[start], r)
	}

	chunks := make([]*chunk, len(s.chunks), len(s.chunks)+len(groups))
	copy(chunks, s.chunks)
	next := &seriesState{chunks: chunks}

	starts := make([]int64, 0, len(groups))
	for start := range groups {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		add := groups[start]
		sort.Slice(add, func(i, j int) bool { return add[i].TimestampMs < add[j].TimestampMs })

		i, ok := next.find(start)
		if ok {
			old := next.chunks[i]
			next.chunks[i] = &chunk{start: old.start, end: old.end, records: mergeRecords(old.records, add), version: nextVersion()}
			continue
		}
		c := &chunk{start: start, end: chunkEndMs(g, start), records: add, version: nextVersion()}
		next.chunks = append(next.chunks, nil)
		copy(next.chunks[i+1:], next.chunks[i:])
		next.chunks[i] = c
	}
	return next
}

// mergeRecords merges two sorted slices; b wins on equal keys.
func mergeRecords(a, b []types.Record) []types.Record {
	out := make([]types.Record, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].TimestampMs < b[j].TimestampMs:
			out = append(out, a[i])
			i++
		case a[i].TimestampMs > b[j].TimestampMs:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// withEvict returns a state without keys below cutoff. Chunks ending at or
// before cutoff are dropped whole; a chunk straddling cutoff is trimmed.
func (s *seriesState) withEvict(cutoff int64, nextVersion func() uint64) (next *seriesState, dropped []*chunk, removed int) {
	next = &seriesState{chunks: make([]*chunk, 0, len(s.chunks))}
	for _, c := range s.chunks {
		switch {
		case c.end <= cutoff:
			dropped = append(dropped, c)
			removed += len(c.records)
		case c.start < cutoff:
			i, _ := c.find(cutoff)
			if i == 0 {
				next.chunks = append(next.chunks, c)
				continue
			}
			removed += i
			kept := make([]types.Record, len(c.records)-i)
			copy(kept, c.records[i:])
			next.chunks = append(next.chunks, &chunk{start: c.start, end: c.end, records: kept, version: nextVersion()})
		default:
			next.chunks = append(next.chunks, c)
		}
	}
	return next, dropped, removed
}

// withChunk returns a state that holds an empty chunk at start, and
// whether it had to be created.
func (s *seriesState) withChunk(g types.Granularity, start int64, nextVersion func() uint64) (*seriesState, bool) {
	i, ok := s.find(start)
	if ok {
		return s, false
	}
	chunks := make([]*chunk, 0, len(s.chunks)+1)
	chunks = append(chunks, s.chunks[:i]...)
	chunks = append(chunks, &chunk{start: start, end: chunkEndMs(g, start), version: nextVersion()})
	chunks = append(chunks, s.chunks[i:]...)
	return &seriesState{chunks: chunks}, true
}
