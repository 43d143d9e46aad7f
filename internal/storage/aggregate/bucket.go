package aggregate

import (
	"iter"
	"time"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// BucketStart aligns a key to the start of its bucket, counted from the
// Unix epoch in UTC.
func BucketStart(ms int64, bucket time.Duration) int64 {
	b := bucket.Milliseconds()
	if b <= 0 {
		return ms
	}
	q := ms / b
	if ms < 0 && ms%b != 0 {
		q--
	}
	return q * b
}

// bar accumulates one bucket.
type bar struct {
	schema types.Schema
	out    types.Record
	empty  bool
}

func (b *bar) reset(start int64) {
	b.out = types.Record{TimestampMs: start}
	b.empty = true
}

// add folds r into the bucket. Records arrive in ascending key order.
// OHLC: first non-null open, max high, min low, last non-null close.
// Other schemas: last non-null value of every column.
func (b *bar) add(r *types.Record) {
	b.empty = false
	if b.schema != types.SchemaOHLC {
		for _, f := range b.schema.Fields() {
			if v := r.Get(f); v != nil {
				b.out.Set(f, types.Float(*v))
			}
		}
		return
	}

	if b.out.Open == nil && r.Open != nil {
		b.out.Open = types.Float(*r.Open)
	}
	if r.High != nil && (b.out.High == nil || *r.High > *b.out.High) {
		b.out.High = types.Float(*r.High)
	}
	if r.Low != nil && (b.out.Low == nil || *r.Low < *b.out.Low) {
		b.out.Low = types.Float(*r.Low)
	}
	if r.Close != nil {
		b.out.Close = types.Float(*r.Close)
	}
}

// Buckets folds an ascending record sequence into one record per non-empty
// bucket, keyed by bucket start. An error from src is passed through and
// ends the sequence.
func Buckets(src iter.Seq2[types.Record, error], schema types.Schema, bucket time.Duration) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		cur := bar{schema: schema, empty: true}
		curStart := int64(0)

		for r, err := range src {
			if err != nil {
				yield(types.Record{}, err)
				return
			}
			start := BucketStart(r.TimestampMs, bucket)
			if cur.empty {
				curStart = start
				cur.reset(start)
			} else if start != curStart {
				if !yield(cur.out, nil) {
					return
				}
				curStart = start
				cur.reset(start)
			}
			cur.add(&r)
		}

		if !cur.empty {
			yield(cur.out, nil)
		}
	}
}
