// Package testing provides test helpers for barstore: goroutine error
// collection, record fixtures and a throwaway storage service.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/barstore/internal/storage"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// GoroutineTest collects errors from goroutines and reports them on Wait.
// t.Fatal must not be called outside the test goroutine.
//
//	gt := testing.NewGoroutineTest(t)
//	defer gt.Wait()
//	gt.Go(func() error { ... })
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context ends at Wait.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait waits for every goroutine and fails the test if any returned an
// error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()
	gt.cancel()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errs) == 0 {
		return
	}
	for i, err := range gt.errs {
		gt.t.Errorf("  [%d] %v", i+1, err)
	}
	gt.t.Fatalf("%d goroutine(s) failed", len(gt.errs))
}

// Eventually polls condition until it holds or timeout passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// Bars returns n flat OHLC bars spaced step apart from start. Close
// increases by one per bar.
func Bars(start time.Time, step time.Duration, n int) []types.Record {
	out := make([]types.Record, n)
	for i := range out {
		c := float64(i + 1)
		out[i] = types.OHLC(start.Add(time.Duration(i)*step), c, c+1, c-0.5, c)
	}
	return out
}

// DailyBars returns n daily bars from start.
func DailyBars(start time.Time, n int) []types.Record {
	return Bars(start, 24*time.Hour, n)
}

// Config returns a local-backend configuration rooted at dir with
// synchronous WAL writes and no periodic checkpoints.
func Config(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WAL.SyncMode = "sync"
	cfg.Checkpoint.Interval = time.Hour
	cfg.Checkpoint.Fsync = false
	return cfg
}

// OpenService starts a service on cfg and stops it when the test ends.
func OpenService(t *testing.T, cfg *config.Config) *storage.Service {
	t.Helper()
	svc, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}
