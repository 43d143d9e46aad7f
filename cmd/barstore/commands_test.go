package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/types"
	tu "github.com/xtxerr/barstore/internal/testing"
)

func newApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &app{svc: tu.OpenService(t, tu.Config(t.TempDir())), out: &out}, &out
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const bitcoinCSV = "timestamp,open,high,low,close\n" +
	"2024-01-01T00:00:00Z,100,110,95,105\n" +
	"2024-01-01T00:01:00Z,105,112,100,108\n"

func TestParseBucket(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"2m", 2 * time.Minute, true},
		{"1h", time.Hour, true},
		{"7d", 7 * 24 * time.Hour, true},
		{"0d", 0, false},
		{"-1m", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBucket(tt.in)
			if !tt.ok {
				assert.True(t, errs.IsInvalidRange(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBound(t *testing.T) {
	got, err := parseBound("2024-01-02", types.Intraday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = parseBound("2024-01-02T10:30:00Z", types.Intraday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC), got)

	_, err = parseBound("2024-01-02T10:30:00Z", types.Daily)
	assert.True(t, errs.IsValidation(err))

	_, err = parseBound("", types.Daily)
	assert.ErrorIs(t, err, errs.ErrMissingKey)
}

func TestDispatchUnknownCommand(t *testing.T) {
	a, _ := newApp(t)
	err := a.dispatch(context.Background(), []string{"frobnicate"})
	assert.Equal(t, errs.CodeValidation, errs.ErrorToCode(err))
}

func TestIngestAndQuery(t *testing.T) {
	a, out := newApp(t)
	ctx := context.Background()
	path := writeFile(t, "bitcoin.csv", bitcoinCSV)

	require.NoError(t, a.dispatch(ctx, []string{"ingest", "-series", "bitcoin", path}))
	assert.Contains(t, out.String(), "bitcoin")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, []string{"query", "-series", "bitcoin", "-from", "2024-01-01", "-bucket", "2m"}))
	s := out.String()
	assert.Contains(t, s, "2024-01-01T00:00:00Z")
	assert.Contains(t, s, "112")
	assert.Contains(t, s, "(1 rows)")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, []string{"latest", "bitcoin"}))
	assert.Contains(t, out.String(), "2024-01-01T00:01:00Z")
}

func TestIngestDryRunWritesNothing(t *testing.T) {
	a, out := newApp(t)
	ctx := context.Background()
	path := writeFile(t, "bitcoin.csv", bitcoinCSV)

	require.NoError(t, a.dispatch(ctx, []string{"ingest", "-series", "bitcoin", "-dry-run", path}))
	assert.Contains(t, out.String(), "bitcoin: 2 rows, 5 columns")

	r, ok, err := a.svc.Latest(ctx, types.Bitcoin)
	require.NoError(t, err)
	assert.False(t, ok, "dry run stored %+v", r)
}

func TestIngestNegativeVolume(t *testing.T) {
	a, out := newApp(t)
	path := writeFile(t, "meta.jsonl",
		`{"key":"2024-01-01","outstanding_supply":100,"trading_volume":10}`+"\n"+
			`{"key":"2024-01-02","trading_volume":-5}`+"\n")

	err := a.dispatch(context.Background(), []string{"ingest", "-series", "gold_trading_metadata", path})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConstraintViolation, errs.ErrorToCode(err))
	assert.Contains(t, out.String(), "2024-01-02")
}

func TestQueryInvalidBucket(t *testing.T) {
	a, _ := newApp(t)
	err := a.dispatch(context.Background(), []string{"query", "-series", "gold", "-bucket", "1h"})
	assert.Equal(t, errs.CodeInvalidRange, errs.ErrorToCode(err))
}

func TestDescribe(t *testing.T) {
	a, out := newApp(t)
	ctx := context.Background()
	_, err := a.svc.Upsert(ctx, types.CPI, []types.Record{
		{TimestampMs: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Value: types.Float(3.1)},
		{TimestampMs: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Value: types.Float(3.2)},
	}, types.Overwrite)
	require.NoError(t, err)

	require.NoError(t, a.dispatch(ctx, []string{"describe", "cpi"}))
	s := out.String()
	assert.Contains(t, s, "series cpi (daily, scalar)")
	assert.Contains(t, s, "rows: 2")
	assert.Contains(t, s, "first: 2024-01-01")
	assert.Contains(t, s, "last:  2024-02-01")
}

func TestDescribeUnknownSeries(t *testing.T) {
	a, _ := newApp(t)
	err := a.dispatch(context.Background(), []string{"describe", "ethereum"})
	assert.Equal(t, errs.CodeUnknownSeries, errs.ErrorToCode(err))
}

func TestEvictAndUsage(t *testing.T) {
	a, out := newApp(t)
	ctx := context.Background()
	_, err := a.svc.Upsert(ctx, types.Oil, tu.DailyBars(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10), types.Overwrite)
	require.NoError(t, err)

	require.NoError(t, a.dispatch(ctx, []string{"evict", "-series", "oil", "-before", "2024-01-04"}))
	assert.Contains(t, out.String(), "3 records removed")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, []string{"flush"}))
	assert.Contains(t, out.String(), "1 chunks written")

	out.Reset()
	require.NoError(t, a.dispatch(ctx, []string{"usage"}))
	assert.Contains(t, out.String(), "oil")
}

func TestScript(t *testing.T) {
	a, out := newApp(t)
	in := strings.NewReader("# comment\nseries\n\ndescribe ethereum\nstats\nexit\nseries\n")

	err := a.script(context.Background(), in)
	assert.True(t, errs.IsUnknownSeries(err))

	s := out.String()
	assert.Contains(t, s, "gold_trading_metadata")
	assert.Contains(t, s, "error [UnknownSeries]")
	assert.Contains(t, s, "backpressure")
	assert.Equal(t, 1, strings.Count(s, "bitcoin_trading_metadata"), "lines after exit must not run")
}

func TestIsExit(t *testing.T) {
	assert.True(t, isExit("exit"))
	assert.True(t, isExit(" quit "))
	assert.False(t, isExit("exit now"))
}

func TestRequirements(t *testing.T) {
	a, out := newApp(t)
	require.NoError(t, a.dispatch(context.Background(), []string{"requirements", "-horizon", "30d"}))
	assert.Contains(t, out.String(), "bitcoin")
	assert.Contains(t, out.String(), "chunks")

	err := a.dispatch(context.Background(), []string{"requirements", "-horizon", "soon"})
	assert.Equal(t, errs.CodeValidation, errs.ErrorToCode(err))
}
