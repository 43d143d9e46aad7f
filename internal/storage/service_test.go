package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/backpressure"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/query"
	"github.com/xtxerr/barstore/internal/storage/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.WAL.SyncMode = "sync"
	cfg.Checkpoint.Interval = time.Hour
	cfg.Checkpoint.Fsync = false
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestService_New(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop()

	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}
}

func TestService_NewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "sqlite"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestService_StartStop(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.IsRunning() {
		t.Error("service should be running after Start()")
	}
	if err := svc.Start(); err == nil {
		t.Error("expected error on double start")
	}

	time.Sleep(time.Millisecond)
	stats := svc.Stats()
	if !stats.Running {
		t.Error("stats.Running should be true")
	}
	if stats.Uptime <= 0 {
		t.Error("uptime should be positive")
	}
	if stats.Backend != config.BackendLocal {
		t.Errorf("unexpected backend %q", stats.Backend)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not be running after Stop()")
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := svc.Start(); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("expected ErrClosed on restart, got %v", err)
	}
}

func TestService_UpsertWhenNotRunning(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop()

	_, err = svc.Upsert(context.Background(), types.Bitcoin, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if !errs.IsRetriable(err) {
		t.Error("not running should be retriable")
	}
}

func TestService_UpsertAndQuery(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	batch := []types.Record{
		types.OHLC(t0, 100, 110, 95, 105),
		types.OHLC(t0.Add(time.Minute), 105, 112, 100, 108),
	}
	res, err := svc.Upsert(ctx, types.Bitcoin, batch, types.Overwrite)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.Inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", res.Inserted)
	}

	seq, err := svc.Query(ctx, query.Request{
		Series: types.Bitcoin,
		From:   t0,
		To:     t0.Add(time.Minute),
		Bucket: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got, err := query.Collect(seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got))
	}
	if want := types.OHLC(t0, 100, 112, 95, 108); !got[0].Equal(want) {
		t.Errorf("bucket = %+v, want %+v", got[0], want)
	}

	latest, ok, err := svc.Latest(ctx, types.Bitcoin)
	if err != nil || !ok {
		t.Fatalf("Latest: %v %v", ok, err)
	}
	if latest.TimestampMs != t0.Add(time.Minute).UnixMilli() {
		t.Errorf("unexpected latest key %d", latest.TimestampMs)
	}
}

func TestService_Describe(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	recs := []types.Record{
		{TimestampMs: t0.UnixMilli(), Value: types.Float(3.1)},
		{TimestampMs: t0.AddDate(0, 1, 0).UnixMilli(), Value: types.Float(3.4)},
	}
	if _, err := svc.Upsert(ctx, types.CPI, recs, types.Overwrite); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	d, err := svc.Describe(ctx, types.CPI)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if d.Count != 2 {
		t.Errorf("expected count 2, got %d", d.Count)
	}
	if d.First == nil || d.Last == nil || *d.Last.Value != 3.4 {
		t.Errorf("unexpected first/last %+v %+v", d.First, d.Last)
	}
}

func TestService_FlushAndSQL(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	var batch []types.Record
	for d := 0; d < 3; d++ {
		batch = append(batch, types.OHLC(t0.AddDate(0, 0, d), 1, float64(d+2), 0.5, 1))
	}
	if _, err := svc.Upsert(ctx, types.Gold, batch, types.Overwrite); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	stats, err := svc.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if stats.ChunksWritten != 1 {
		t.Errorf("expected 1 chunk written, got %d", stats.ChunksWritten)
	}

	res, err := svc.QuerySQL(ctx, `SELECT count(*), max(high) FROM gold`)
	if err != nil {
		t.Fatalf("QuerySQL: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	if n, ok := res.Rows[0][0].(int64); !ok || n != 3 {
		t.Errorf("count = %v", res.Rows[0][0])
	}

	usage, err := svc.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	for _, u := range usage {
		if u.Series == types.Gold && u.FileCount != 1 {
			t.Errorf("expected 1 gold chunk file, got %d", u.FileCount)
		}
	}
}

func TestService_SQLRowLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.MaxRows = 2
	svc := startService(t, cfg)

	res, err := svc.QuerySQL(context.Background(), `SELECT * FROM range(10)`)
	if err != nil {
		t.Fatalf("QuerySQL: %v", err)
	}
	if len(res.Rows) != 2 || !res.Truncated {
		t.Errorf("expected 2 truncated rows, got %d (truncated=%v)", len(res.Rows), res.Truncated)
	}
}

func TestService_EvictBefore(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	var batch []types.Record
	for d := 0; d < 10; d++ {
		batch = append(batch, types.OHLC(t0.AddDate(0, 0, d), 1, 1, 1, 1))
	}
	if _, err := svc.Upsert(ctx, types.Oil, batch, types.Overwrite); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	res, err := svc.EvictBefore(ctx, types.Oil, t0.AddDate(0, 0, 4))
	if err != nil {
		t.Fatalf("EvictBefore: %v", err)
	}
	if res.RecordsRemoved != 4 {
		t.Errorf("expected 4 removed, got %d", res.RecordsRemoved)
	}

	h, err := svc.EnsurePartition(ctx, types.Oil, t0.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	if !h.Contains(t0.AddDate(1, 2, 0)) {
		t.Errorf("handle %+v should contain the following year", h)
	}
}

func TestService_RetentionDryRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Series = map[string]time.Duration{"oil": time.Hour}
	svc := startService(t, cfg)
	ctx := context.Background()

	if _, err := svc.Upsert(ctx, types.Oil, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := svc.DryRunRetention(ctx)
	if err != nil {
		t.Fatalf("DryRunRetention: %v", err)
	}
	if len(results) != 1 || results[0].RecordsRemoved != 1 {
		t.Errorf("unexpected dry run %+v", results)
	}

	results, err = svc.RunRetention(ctx)
	if err != nil {
		t.Fatalf("RunRetention: %v", err)
	}
	if len(results) != 1 || results[0].RecordsRemoved != 1 {
		t.Errorf("unexpected run %+v", results)
	}
	if _, ok, _ := svc.Latest(ctx, types.Oil); ok {
		t.Error("oil should be empty after retention")
	}
}

func TestService_BackpressureLevel(t *testing.T) {
	svc := startService(t, testConfig(t))

	if level := svc.BackpressureLevel(); level != backpressure.LevelNormal {
		t.Errorf("expected normal level, got %v", level)
	}

	cfg := testConfig(t)
	cfg.Backpressure.Enabled = false
	off := startService(t, cfg)
	if level := off.BackpressureLevel(); level != backpressure.LevelNormal {
		t.Errorf("expected normal level when disabled, got %v", level)
	}
}

func TestService_BackpressureRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure.MaxPending = "100B"
	cfg.Backpressure.Recovery.Cooldown = 0
	svc := startService(t, cfg)
	ctx := context.Background()

	var batch []types.Record
	for i := 0; i < 50; i++ {
		batch = append(batch, types.OHLC(t0.Add(time.Duration(i)*time.Minute), 1, 1, 1, 1))
	}
	if _, err := svc.Upsert(ctx, types.Bitcoin, batch, types.Overwrite); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	_, err := svc.Upsert(ctx, types.Bitcoin, []types.Record{types.OHLC(t0.Add(time.Hour), 1, 1, 1, 1)}, types.Overwrite)
	if !errors.Is(err, errs.ErrBackpressure) {
		t.Fatalf("expected backpressure rejection, got %v", err)
	}

	if _, err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := svc.Upsert(ctx, types.Bitcoin, []types.Record{types.OHLC(t0.Add(time.Hour), 1, 1, 1, 1)}, types.Overwrite); err != nil {
		t.Errorf("Upsert after checkpoint: %v", err)
	}
}
