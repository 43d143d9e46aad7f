package partition

import (
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// ChunkJob is a dirty chunk to be written by a checkpoint.
type ChunkJob struct {
	Series  types.SeriesID
	Start   time.Time
	Path    string
	Records []types.Record
	version uint64
}

// Checkpoint is an in-progress fold of the write-ahead log into chunk
// files. It holds the maintenance lock until Finish or Abort.
type Checkpoint struct {
	m       *Manager
	seq     int64
	states  map[*slot]*seriesState
	written []ChunkJob
	done    bool
}

// BeginCheckpoint cuts the write-ahead log and captures every series at
// the cut. Entries before the cut are exactly those visible in the
// captured states.
func (m *Manager) BeginCheckpoint() (*Checkpoint, error) {
	if m.closed.Load() {
		return nil, errs.ErrClosed
	}
	m.maintMu.Lock()

	m.commitMu.Lock()
	seq, err := m.wal.Cut()
	if err != nil {
		m.commitMu.Unlock()
		m.maintMu.Unlock()
		return nil, errs.Unavailable(err, "cut wal")
	}
	states := make(map[*slot]*seriesState, len(m.slots))
	for _, s := range m.slots {
		states[s] = s.state.Load()
	}
	m.commitMu.Unlock()

	return &Checkpoint{m: m, seq: seq, states: states}, nil
}

// Jobs returns every chunk whose captured version is not on disk.
func (cp *Checkpoint) Jobs() []ChunkJob {
	var jobs []ChunkJob
	for s, st := range cp.states {
		for _, c := range st.chunks {
			if s.persisted[c.start] == c.version {
				continue
			}
			jobs = append(jobs, ChunkJob{
				Series:  s.entry.ID,
				Start:   time.UnixMilli(c.start).UTC(),
				Path:    cp.m.chunkPath(s, c.start),
				Records: c.records,
				version: c.version,
			})
		}
	}
	return jobs
}

// Write writes one job's chunk file. Safe for concurrent use.
func (cp *Checkpoint) Write(job ChunkJob) error {
	return parquet.WriteChunk(job.Path, job.Records, cp.m.popts)
}

// MarkWritten records that a job reached disk. Not safe for concurrent use.
func (cp *Checkpoint) MarkWritten(job ChunkJob) {
	cp.written = append(cp.written, job)
}

// CheckpointStats summarizes a finished checkpoint.
type CheckpointStats struct {
	ChunksWritten  int
	OrphansRemoved int
	SegmentsPurged int
}

// Finish records written versions, removes chunk files no longer in any
// captured state and deletes log segments older than the cut. It must only
// be called once every job has been written.
func (cp *Checkpoint) Finish() (CheckpointStats, error) {
	if cp.done {
		return CheckpointStats{}, nil
	}
	defer cp.release()

	m := cp.m
	var stats CheckpointStats

	for _, job := range cp.written {
		s := m.slots[job.Series]
		s.persisted[job.Start.UnixMilli()] = job.version
		stats.ChunksWritten++
	}

	keepLog := false
	for s, st := range cp.states {
		files, err := parquet.ListChunks(m.dataDir, s.entry.ID, s.entry.Granularity)
		if err != nil {
			return stats, errs.Unavailable(err, "list chunks")
		}
		for _, f := range files {
			startMs := f.Start.UnixMilli()
			if _, ok := st.find(startMs); ok {
				continue
			}
			if _, ok := s.state.Load().find(startMs); ok {
				continue
			}
			if err := removeFile(f.Path); err != nil {
				m.log.Warn("failed to remove orphan chunk", "path", f.Path, "error", err)
				keepLog = true
				continue
			}
			delete(s.persisted, startMs)
			stats.OrphansRemoved++
		}
	}

	// The log still holds the evictions that orphaned the file.
	if keepLog {
		m.log.Warn("wal purge skipped, orphan chunks remain")
		return stats, nil
	}

	purged, err := m.wal.DeleteSegmentsBefore(cp.seq)
	stats.SegmentsPurged = purged
	if err != nil {
		return stats, errs.Unavailable(err, "purge wal")
	}
	return stats, nil
}

// Abort releases the checkpoint without purging the log. Chunks already
// marked written stay recorded.
func (cp *Checkpoint) Abort() {
	if cp.done {
		return
	}
	for _, job := range cp.written {
		cp.m.slots[job.Series].persisted[job.Start.UnixMilli()] = job.version
	}
	cp.release()
}

func (cp *Checkpoint) release() {
	cp.done = true
	cp.m.maintMu.Unlock()
}
