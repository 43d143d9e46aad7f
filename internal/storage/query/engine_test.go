package query

import (
	"context"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/partition"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/storage/upsert"
	"github.com/xtxerr/barstore/internal/storage/wal"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Engine, *upsert.Engine) {
	t.Helper()
	m, err := partition.Open(context.Background(), partition.Options{
		DataDir: t.TempDir(),
		WAL:     wal.DefaultOptions(),
		Parquet: parquet.DefaultOptions(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return New(m, true), upsert.New(m)
}

func TestQueryRawInclusive(t *testing.T) {
	q, up := setup(t)
	ctx := context.Background()

	var batch []types.Record
	for i := 0; i < 5; i++ {
		batch = append(batch, types.OHLC(t0.Add(time.Duration(i)*time.Minute), 1, 2, 0.5, float64(i)))
	}
	_, err := up.Upsert(ctx, types.Bitcoin, batch, types.Overwrite)
	require.NoError(t, err)

	seq, err := q.Query(ctx, Request{Series: types.Bitcoin, From: t0.Add(time.Minute), To: t0.Add(3 * time.Minute)})
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, *got[0].Close)
	assert.Equal(t, 3.0, *got[2].Close)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.QueriesExecuted)
	assert.Equal(t, int64(3), stats.RowsReturned)
}

func TestQueryFromAfterToIsEmpty(t *testing.T) {
	q, up := setup(t)
	ctx := context.Background()
	_, err := up.Upsert(ctx, types.Gold, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite)
	require.NoError(t, err)

	seq, err := q.Query(ctx, Request{Series: types.Gold, From: t0.Add(48 * time.Hour), To: t0})
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryTwoMinuteBucket(t *testing.T) {
	q, up := setup(t)
	ctx := context.Background()
	_, err := up.Upsert(ctx, types.Bitcoin, []types.Record{
		types.OHLC(t0, 100, 110, 95, 105),
		types.OHLC(t0.Add(time.Minute), 105, 112, 100, 108),
	}, types.Overwrite)
	require.NoError(t, err)

	seq, err := q.Query(ctx, Request{Series: types.Bitcoin, From: t0, To: t0.Add(time.Hour), Bucket: 2 * time.Minute})
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(types.OHLC(t0, 100, 112, 95, 108)), "got %+v", got[0])
}

func TestQueryBucketTooFine(t *testing.T) {
	q, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		series types.SeriesID
		bucket time.Duration
	}{
		{"intraday below a minute", types.Bitcoin, 30 * time.Second},
		{"daily below a day", types.Gold, time.Hour},
		{"negative", types.CPI, -time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Query(ctx, Request{Series: tt.series, From: t0, To: t0.Add(time.Hour), Bucket: tt.bucket})
			require.Error(t, err)
			assert.True(t, errs.IsInvalidRange(err))
			assert.ErrorIs(t, err, errs.ErrBucketTooFine)
		})
	}
}

func TestQueryUnknownSeries(t *testing.T) {
	q, _ := setup(t)
	_, err := q.Query(context.Background(), Request{Series: "dogecoin", From: t0, To: t0})
	assert.True(t, errs.IsUnknownSeries(err))
}

func TestQueryRestartableAndIsolated(t *testing.T) {
	q, up := setup(t)
	ctx := context.Background()
	_, err := up.Upsert(ctx, types.Oil, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite)
	require.NoError(t, err)

	seq, err := q.Query(ctx, Request{Series: types.Oil, From: t0, To: t0.Add(365 * 24 * time.Hour)})
	require.NoError(t, err)

	_, err = up.Upsert(ctx, types.Oil, []types.Record{types.OHLC(t0.Add(24*time.Hour), 2, 2, 2, 2)}, types.Overwrite)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := Collect(seq)
		require.NoError(t, err)
		assert.Len(t, got, 1, "iteration %d", i)
	}
}

func TestQueryCancelled(t *testing.T) {
	q, up := setup(t)
	_, err := up.Upsert(context.Background(), types.Gold, []types.Record{types.OHLC(t0, 1, 1, 1, 1)}, types.Overwrite)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seq, err := q.Query(ctx, Request{Series: types.Gold, From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = Collect(seq)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDescribe(t *testing.T) {
	q, up := setup(t)
	ctx := context.Background()
	meta := types.MetadataOf(types.Nasdaq)

	var batch []types.Record
	for i := 1; i <= 10; i++ {
		batch = append(batch, types.Record{
			TimestampMs:   t0.Add(time.Duration(i) * 24 * time.Hour).UnixMilli(),
			TradingVolume: types.Float(float64(i)),
		})
	}
	_, err := up.Upsert(ctx, meta, batch, types.Overwrite)
	require.NoError(t, err)

	d, err := q.Describe(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(10), d.Count)
	require.NotNil(t, d.First)
	require.NotNil(t, d.Last)
	assert.Equal(t, batch[0].TimestampMs, d.First.TimestampMs)
	assert.Equal(t, batch[9].TimestampMs, d.Last.TimestampMs)
	require.Len(t, d.Columns, 3)
	assert.Equal(t, "date", d.Columns[0].Name)

	require.Len(t, d.Fields, 2)
	vol := d.Fields[1]
	assert.Equal(t, types.FieldTradingVolume, vol.Field)
	assert.Equal(t, int64(10), vol.Count)
	assert.Equal(t, 10.0, vol.Max)
	assert.True(t, vol.HasPercentiles())
	assert.Equal(t, int64(0), d.Fields[0].Count)
}

func TestDescribeEmpty(t *testing.T) {
	q, _ := setup(t)
	d, err := q.Describe(context.Background(), types.CPI)
	require.NoError(t, err)
	assert.Zero(t, d.Count)
	assert.Nil(t, d.First)
}

type fakeSource struct {
	recs []types.Record
}

func (f fakeSource) Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error) {
	return func(yield func(types.Record, error) bool) {
		for _, r := range f.recs {
			if r.TimestampMs < from.UnixMilli() || r.TimestampMs > to.UnixMilli() {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

func TestQueryScalarWeeklyBuckets(t *testing.T) {
	day := 24 * time.Hour
	q := New(fakeSource{recs: []types.Record{
		{TimestampMs: t0.UnixMilli(), Value: types.Float(300)},
		{TimestampMs: t0.Add(day).UnixMilli(), Value: types.Float(301)},
		{TimestampMs: t0.Add(8 * day).UnixMilli(), Value: types.Float(305)},
	}}, false)

	seq, err := q.Query(context.Background(), Request{Series: types.CPI, From: t0, To: t0.Add(30 * day), Bucket: 7 * day})
	require.NoError(t, err)
	got, err := Collect(seq)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 301.0, *got[0].Value)
	assert.Equal(t, 305.0, *got[1].Value)
}

func TestSQLSelect(t *testing.T) {
	s, err := NewSQL(t.TempDir(), "")
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Execute(context.Background(), "SELECT 1 AS value")
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, res.Columns)
	require.Len(t, res.Rows, 1)
}

func TestSQLSeriesView(t *testing.T) {
	dir := t.TempDir()
	path := parquet.ChunkPath(dir, types.Bitcoin, types.Intraday, t0)
	require.NoError(t, parquet.WriteChunk(path, []types.Record{
		types.OHLC(t0, 1, 2, 0.5, 1.5),
		types.OHLC(t0.Add(time.Minute), 1.5, 3, 1, 2.5),
	}, parquet.DefaultOptions()))
	require.FileExists(t, filepath.Join(dir, "bitcoin", "2024-01-01.parquet"))

	s, err := NewSQL(dir, "256MB")
	require.NoError(t, err)
	defer s.Close()

	views, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.SeriesID{types.Bitcoin}, views)

	res, err := s.Execute(context.Background(), "SELECT count(*) AS n, max(high) AS h FROM bitcoin")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 2, res.Rows[0][0])
	assert.EqualValues(t, 3.0, res.Rows[0][1])
}
