package compaction

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/partition"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/upsert"
	"github.com/xtxerr/barstore/internal/storage/wal"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func openManager(t *testing.T, dir string) *partition.Manager {
	t.Helper()
	m, err := partition.Open(context.Background(), partition.Options{
		DataDir: dir,
		WAL:     wal.DefaultOptions(),
		Parquet: parquet.DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func write(t *testing.T, m *partition.Manager, id types.SeriesID, recs ...types.Record) {
	t.Helper()
	if _, err := upsert.New(m).Upsert(context.Background(), id, recs, types.Overwrite); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestEngine_New(t *testing.T) {
	m := openManager(t, t.TempDir())
	defer m.Close()

	engine := New(m, Options{})
	if engine == nil {
		t.Fatal("engine is nil")
	}
	if engine.opts.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", engine.opts.Workers)
	}
	if engine.IsRunning() {
		t.Error("engine should not be running before Start()")
	}
}

func TestEngine_StartStop(t *testing.T) {
	m := openManager(t, t.TempDir())
	defer m.Close()

	engine := New(m, Options{Interval: time.Hour, Workers: 2})

	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !engine.IsRunning() {
		t.Error("engine should be running after Start()")
	}

	// Double start should fail
	if err := engine.Start(); err == nil {
		t.Error("expected error on double start")
	}

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if engine.IsRunning() {
		t.Error("engine should not be running after Stop()")
	}
}

func TestEngine_FlushWritesChunks(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir)

	write(t, m, types.Bitcoin,
		types.OHLC(day0, 1, 2, 0.5, 1.5),
		types.OHLC(day0.Add(24*time.Hour), 2, 3, 1, 2.5),
	)
	write(t, m, types.Gold, types.OHLC(day0, 10, 11, 9, 10.5))

	engine := New(m, Options{Workers: 2})
	stats, err := engine.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if stats.ChunksWritten != 3 {
		t.Errorf("expected 3 chunks written, got %d", stats.ChunksWritten)
	}
	if m.PendingWALBytes() != 0 {
		t.Errorf("expected no pending log bytes, got %d", m.PendingWALBytes())
	}
	if st := m.Stats(); st.DirtyChunks != 0 {
		t.Errorf("expected no dirty chunks, got %d", st.DirtyChunks)
	}

	for _, p := range []string{
		parquet.ChunkPath(dir, types.Bitcoin, types.Intraday, day0),
		parquet.ChunkPath(dir, types.Bitcoin, types.Intraday, day0.Add(24*time.Hour)),
		parquet.ChunkPath(dir, types.Gold, types.Daily, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing chunk %s: %v", p, err)
		}
	}

	es := engine.Stats()
	if es.Runs != 1 || es.ChunksWritten != 3 || es.Failures != 0 {
		t.Errorf("unexpected stats %+v", es)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen without the log: data comes back from chunk files alone.
	segs, err := wal.ListSegments(partition.WALDir(dir))
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	for _, s := range segs {
		os.Remove(s.Path)
	}
	m2 := openManager(t, dir)
	defer m2.Close()
	snap, err := m2.Snapshot(types.Bitcoin)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Count() != 2 {
		t.Errorf("expected 2 bitcoin records after reopen, got %d", snap.Count())
	}
}

func TestEngine_FlushCancelled(t *testing.T) {
	m := openManager(t, t.TempDir())
	defer m.Close()
	write(t, m, types.Oil, types.OHLC(day0, 1, 1, 1, 1))

	engine := New(m, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Flush(ctx); err == nil {
		t.Fatal("expected error from cancelled flush")
	}
	if m.PendingWALBytes() == 0 {
		t.Error("cancelled flush must keep the log")
	}
	if engine.Stats().Failures != 1 {
		t.Errorf("expected 1 failure, got %d", engine.Stats().Failures)
	}
}

func TestEngine_TriggerRunsCheckpoint(t *testing.T) {
	m := openManager(t, t.TempDir())
	defer m.Close()
	write(t, m, types.CPI, types.Record{TimestampMs: day0.UnixMilli(), Value: types.Float(310.3)})

	engine := New(m, Options{})
	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()

	engine.Trigger()
	engine.Trigger()

	deadline := time.Now().Add(5 * time.Second)
	for m.PendingWALBytes() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("triggered checkpoint did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_StopFlushes(t *testing.T) {
	m := openManager(t, t.TempDir())
	defer m.Close()
	write(t, m, types.SNP, types.OHLC(day0, 1, 1, 1, 1))

	engine := New(m, Options{Interval: time.Hour})
	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.PendingWALBytes() != 0 {
		t.Error("Stop should leave no pending log volume")
	}
}
