package testing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/barstore/internal/storage/types"
)

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTest(t)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func(ctx context.Context) error {
			n.Add(1)
			return ctx.Err()
		})
	}
	gt.Wait()
	if n.Load() != 5 {
		t.Errorf("expected 5 runs, got %d", n.Load())
	}
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool
	time.AfterFunc(20*time.Millisecond, func() { ready.Store(true) })
	if err := Eventually(time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Fatal(err)
	}
	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout")
	}
}

func TestDailyBars(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := DailyBars(start, 3)
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	if !bars[2].Time().Equal(start.AddDate(0, 0, 2)) {
		t.Errorf("unexpected third key %v", bars[2].Time())
	}
	if *bars[2].Close != 3 {
		t.Errorf("unexpected close %v", *bars[2].Close)
	}
}

func TestOpenService(t *testing.T) {
	svc := OpenService(t, Config(t.TempDir()))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := svc.Upsert(context.Background(), types.Gold, DailyBars(start, 4), types.Overwrite)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 4 {
		t.Errorf("expected 4 inserted, got %d", res.Inserted)
	}
}
