package timescale

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// EnvTestDSN points the integration tests at a TimescaleDB instance.
const EnvTestDSN = "BARSTORE_TEST_DSN"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(EnvTestDSN)
	if dsn == "" {
		t.Skipf("%s not set", EnvTestDSN)
	}

	ctx := context.Background()
	schema := "barstore_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	s, err := Open(ctx, config.TimescaleConfig{DSN: dsn, Schema: schema, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), "DROP SCHEMA "+ident(schema)+" CASCADE")
		s.Close()
	})
	return s
}

func collect(t *testing.T, s *Store, id types.SeriesID, from, to time.Time) []types.Record {
	t.Helper()
	seq, err := s.Scan(context.Background(), id, from, to)
	require.NoError(t, err)
	var out []types.Record
	for r, err := range seq {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func all(t *testing.T, s *Store, id types.SeriesID) []types.Record {
	return collect(t, s, id, time.Unix(0, 0), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestStoreOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.Upsert(ctx, types.Bitcoin, []types.Record{types.OHLC(t0, 100, 110, 95, 105)}, types.Overwrite)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = s.Upsert(ctx, types.Bitcoin, []types.Record{types.OHLC(t0, 106, 112, 100, 108)}, types.Overwrite)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got := all(t, s, types.Bitcoin)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(types.OHLC(t0, 106, 112, 100, 108)))

	latest, ok, err := s.Latest(ctx, types.Bitcoin)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(got[0]))
}

func TestStoreSkipAndFail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, types.Oil, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite)
	require.NoError(t, err)

	res, err := s.Upsert(ctx, types.Oil, []types.Record{
		types.OHLC(t0, 9, 9, 9, 9),
		types.OHLC(t0.Add(24*time.Hour), 2, 2, 2, 2),
	}, types.Skip)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Rejected)

	_, err = s.Upsert(ctx, types.Oil, []types.Record{
		types.OHLC(t0.Add(48*time.Hour), 3, 3, 3, 3),
		types.OHLC(t0, 9, 9, 9, 9),
	}, types.Fail)
	assert.True(t, errs.IsConstraint(err))

	got := all(t, s, types.Oil)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, *got[0].Close)
}

func TestStoreNegativeVolume(t *testing.T) {
	s := openTestStore(t)
	meta := types.MetadataOf(types.Gold)

	_, err := s.Upsert(context.Background(), meta, []types.Record{
		{TimestampMs: t0.UnixMilli(), TradingVolume: types.Float(10)},
		{TimestampMs: t0.Add(24 * time.Hour).UnixMilli(), TradingVolume: types.Float(-5)},
	}, types.Overwrite)
	require.Error(t, err)
	assert.True(t, errs.IsConstraint(err))
	assert.Contains(t, err.Error(), "2024-01-02")
	assert.Empty(t, all(t, s, meta))
}

func TestStoreDailyRangeInclusive(t *testing.T) {
	s := openTestStore(t)
	var batch []types.Record
	for d := 0; d < 5; d++ {
		batch = append(batch, types.Record{TimestampMs: t0.AddDate(0, 0, d).UnixMilli(), Value: types.Float(float64(d))})
	}
	_, err := s.Upsert(context.Background(), types.CPI, batch, types.Overwrite)
	require.NoError(t, err)

	got := collect(t, s, types.CPI, t0.AddDate(0, 0, 1), t0.AddDate(0, 0, 3))
	require.Len(t, got, 3)
	assert.Equal(t, t0.AddDate(0, 0, 1).UnixMilli(), got[0].TimestampMs)

	assert.Empty(t, collect(t, s, types.CPI, t0.AddDate(0, 0, 3), t0))
}

func TestStoreEvictBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var batch []types.Record
	for d := 0; d < 10; d++ {
		batch = append(batch, types.OHLC(t0.AddDate(0, 0, d), 1, 1, 1, 1))
	}
	_, err := s.Upsert(ctx, types.Gold, batch, types.Overwrite)
	require.NoError(t, err)

	res, err := s.EvictBefore(ctx, types.Gold, t0.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecordsRemoved)
	assert.Len(t, all(t, s, types.Gold), 6)

	h, err := s.EnsurePartition(ctx, types.Gold, t0.AddDate(0, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, t0, h.Start)
	assert.Equal(t, t0.AddDate(1, 0, 0), h.End)
}

func TestStoreExecute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, types.CPI, []types.Record{{TimestampMs: t0.UnixMilli(), Value: types.Float(3.1)}}, types.Overwrite)
	require.NoError(t, err)

	res, err := s.Execute(ctx, "SELECT count(*) AS n FROM "+table(s.schema, types.CPI))
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0][0])
}
