package aggregate

import (
	"errors"
	"iter"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/barstore/internal/storage/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seqOf(recs ...types.Record) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func drain(t *testing.T, s iter.Seq2[types.Record, error]) []types.Record {
	t.Helper()
	var out []types.Record
	for r, err := range s {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestStreamingAggregateBasic(t *testing.T) {
	agg := New(types.FieldClose, false)

	agg.Add(10.0, 1000)
	agg.Add(20.0, 2000)
	agg.Add(30.0, 3000)

	result := agg.Result()

	if result.Count != 3 {
		t.Errorf("expected count 3, got %d", result.Count)
	}
	if result.Sum != 60.0 {
		t.Errorf("expected sum 60, got %f", result.Sum)
	}
	if result.Min != 10.0 {
		t.Errorf("expected min 10, got %f", result.Min)
	}
	if result.Max != 30.0 {
		t.Errorf("expected max 30, got %f", result.Max)
	}
	if result.Avg != 20.0 {
		t.Errorf("expected avg 20, got %f", result.Avg)
	}
	if result.FirstTs != 1000 || result.LastTs != 3000 {
		t.Errorf("unexpected ts range %d..%d", result.FirstTs, result.LastTs)
	}
	if result.HasPercentiles() {
		t.Error("percentiles should be disabled")
	}
}

func TestStreamingAggregatePercentiles(t *testing.T) {
	agg := New(types.FieldClose, true)
	for i := 1; i <= 100; i++ {
		agg.Add(float64(i), int64(i))
	}

	result := agg.Result()
	if !result.HasPercentiles() {
		t.Fatal("expected percentiles")
	}
	if math.Abs(*result.P50-50) > 2 {
		t.Errorf("P50 = %f, want ~50", *result.P50)
	}
	if math.Abs(*result.P99-99) > 3 {
		t.Errorf("P99 = %f, want ~99", *result.P99)
	}
}

func TestStreamingAggregateMerge(t *testing.T) {
	a := New(types.FieldValue, true)
	b := New(types.FieldValue, true)
	a.Add(1, 10)
	b.Add(5, 5)
	b.Add(9, 20)

	a.Merge(b)
	r := a.Result()
	if r.Count != 3 || r.Min != 1 || r.Max != 9 {
		t.Errorf("unexpected merge result: %+v", r)
	}
	if r.FirstTs != 5 || r.LastTs != 20 {
		t.Errorf("unexpected ts range %d..%d", r.FirstTs, r.LastTs)
	}
}

func TestSummarySkipsNulls(t *testing.T) {
	s := NewSummary(types.SchemaMetadata, false)
	s.Add(&types.Record{TimestampMs: 1, OutstandingSupply: types.Float(100)})
	s.Add(&types.Record{TimestampMs: 2, OutstandingSupply: types.Float(200), TradingVolume: types.Float(5)})

	if s.Rows() != 2 {
		t.Errorf("expected 2 rows, got %d", s.Rows())
	}
	res := s.Results()
	if len(res) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(res))
	}
	if res[0].Field != types.FieldOutstandingSupply || res[0].Count != 2 {
		t.Errorf("supply stats wrong: %+v", res[0])
	}
	if res[1].Field != types.FieldTradingVolume || res[1].Count != 1 {
		t.Errorf("volume stats wrong: %+v", res[1])
	}
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		ms     int64
		bucket time.Duration
		want   int64
	}{
		{0, time.Minute, 0},
		{59_999, time.Minute, 0},
		{60_000, time.Minute, 60_000},
		{t0.Add(90 * time.Second).UnixMilli(), 2 * time.Minute, t0.UnixMilli()},
		{-1, time.Minute, -60_000},
	}
	for _, tt := range tests {
		if got := BucketStart(tt.ms, tt.bucket); got != tt.want {
			t.Errorf("BucketStart(%d, %v) = %d, want %d", tt.ms, tt.bucket, got, tt.want)
		}
	}
}

func TestBucketsOHLC(t *testing.T) {
	src := seqOf(
		types.OHLC(t0, 100, 110, 95, 105),
		types.OHLC(t0.Add(time.Minute), 105, 112, 100, 108),
	)

	got := drain(t, Buckets(src, types.SchemaOHLC, 2*time.Minute))
	if len(got) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got))
	}
	want := types.OHLC(t0, 100, 112, 95, 108)
	if !got[0].Equal(want) {
		t.Errorf("got %+v, want %+v", got[0], want)
	}
}

func TestBucketsSkipNullOHLC(t *testing.T) {
	src := seqOf(
		types.Record{TimestampMs: t0.UnixMilli(), High: types.Float(5)},
		types.OHLC(t0.Add(time.Minute), 2, 3, 1, 2.5),
		types.Record{TimestampMs: t0.Add(2 * time.Minute).UnixMilli(), Low: types.Float(0.5)},
	)
	got := drain(t, Buckets(src, types.SchemaOHLC, time.Hour))
	if len(got) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got))
	}
	b := got[0]
	if *b.Open != 2 || *b.High != 5 || *b.Low != 0.5 || *b.Close != 2.5 {
		t.Errorf("unexpected bucket %v %v %v %v", *b.Open, *b.High, *b.Low, *b.Close)
	}
}

func TestBucketsScalarLastValue(t *testing.T) {
	day := 24 * time.Hour
	src := seqOf(
		types.Record{TimestampMs: t0.UnixMilli(), Value: types.Float(1)},
		types.Record{TimestampMs: t0.Add(day).UnixMilli(), Value: types.Float(2)},
		types.Record{TimestampMs: t0.Add(7 * day).UnixMilli(), Value: types.Float(3)},
	)
	got := drain(t, Buckets(src, types.SchemaScalar, 7*day))
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(got))
	}
	if *got[0].Value != 2 || *got[1].Value != 3 {
		t.Errorf("unexpected values %v %v", *got[0].Value, *got[1].Value)
	}
	if got[0].TimestampMs > got[1].TimestampMs {
		t.Error("buckets not ascending")
	}
}

func TestBucketsEmpty(t *testing.T) {
	if got := drain(t, Buckets(seqOf(), types.SchemaOHLC, time.Hour)); len(got) != 0 {
		t.Errorf("expected no buckets, got %d", len(got))
	}
}

func TestBucketsPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	src := func(yield func(types.Record, error) bool) {
		if !yield(types.OHLC(t0, 1, 1, 1, 1), nil) {
			return
		}
		yield(types.Record{}, boom)
	}
	var gotErr error
	n := 0
	for _, err := range Buckets(src, types.SchemaOHLC, time.Hour) {
		if err != nil {
			gotErr = err
			continue
		}
		n++
	}
	if !errors.Is(gotErr, boom) {
		t.Errorf("expected boom, got %v", gotErr)
	}
	if n != 0 {
		t.Errorf("partial bucket should not be emitted after an error, got %d", n)
	}
}
