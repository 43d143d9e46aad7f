// Package query serves range scans, bucketed aggregation and series
// summaries over any backend that can stream a series in key order.
package query

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/aggregate"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Source streams the records of a series with from <= key <= to in
// ascending key order. The sequence must reflect a single consistent view
// taken when Scan is called.
type Source interface {
	Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error)
}

// Request describes a range query. Bounds are inclusive. A zero Bucket
// returns raw records.
type Request struct {
	Series types.SeriesID
	From   time.Time
	To     time.Time
	Bucket time.Duration
}

// Engine runs queries against a Source.
type Engine struct {
	src         Source
	percentiles bool
	log         *slog.Logger

	stats struct {
		queries   atomic.Int64
		rows      atomic.Int64
		errors    atomic.Int64
		describes atomic.Int64
	}
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted   int64
	RowsReturned      int64
	Errors            int64
	DescribesExecuted int64
}

// New creates a query engine. With percentiles enabled Describe computes
// p50/p90/p99 per column.
func New(src Source, percentiles bool) *Engine {
	return &Engine{
		src:         src,
		percentiles: percentiles,
		log:         logging.Component("query"),
	}
}

// Query streams the records of req.Series in [From, To], folded into
// buckets when req.Bucket is set. The result is ascending, lazy and can be
// iterated more than once; every iteration sees the same snapshot.
func (e *Engine) Query(ctx context.Context, req Request) (iter.Seq2[types.Record, error], error) {
	entry, err := registry.Resolve(req.Series)
	if err != nil {
		e.stats.errors.Add(1)
		return nil, err
	}
	if req.Bucket < 0 || (req.Bucket > 0 && req.Bucket < entry.Resolution) {
		e.stats.errors.Add(1)
		return nil, errs.Wrapf(errs.ErrBucketTooFine, "bucket %v, %s resolution is %v", req.Bucket, entry.ID, entry.Resolution)
	}
	e.stats.queries.Add(1)

	if req.From.After(req.To) {
		return func(func(types.Record, error) bool) {}, nil
	}

	seq, err := e.src.Scan(ctx, entry.ID, req.From, req.To)
	if err != nil {
		e.stats.errors.Add(1)
		return nil, err
	}
	if req.Bucket > 0 {
		seq = aggregate.Buckets(seq, entry.Schema, req.Bucket)
	}
	return e.counted(seq), nil
}

func (e *Engine) counted(seq iter.Seq2[types.Record, error]) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		for r, err := range seq {
			if err != nil {
				e.stats.errors.Add(1)
			} else {
				e.stats.rows.Add(1)
			}
			if !yield(r, err) {
				return
			}
		}
	}
}

// Collect drains a query result into a slice.
func Collect(seq iter.Seq2[types.Record, error]) ([]types.Record, error) {
	var out []types.Record
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Description summarizes one series.
type Description struct {
	Entry   registry.Entry
	Columns []registry.Column
	Count   int64
	First   *types.Record
	Last    *types.Record
	Fields  []aggregate.FieldStats
}

// Describe scans a series once and reports its columns, row count, key
// range and per-column statistics.
func (e *Engine) Describe(ctx context.Context, id types.SeriesID) (Description, error) {
	entry, err := registry.Resolve(id)
	if err != nil {
		return Description{}, err
	}
	e.stats.describes.Add(1)

	d := Description{Entry: entry, Columns: entry.Columns()}
	seq, err := e.src.Scan(ctx, entry.ID, time.UnixMilli(types.MinKeyMs), time.UnixMilli(types.MaxKeyMs))
	if err != nil {
		e.stats.errors.Add(1)
		return d, err
	}

	sum := aggregate.NewSummary(entry.Schema, e.percentiles)
	for r, err := range seq {
		if err != nil {
			e.stats.errors.Add(1)
			return d, err
		}
		if d.First == nil {
			first := r
			d.First = &first
		}
		last := r
		d.Last = &last
		sum.Add(&r)
	}
	d.Count = sum.Rows()
	d.Fields = sum.Results()

	e.log.Debug("described series", "series", id, "rows", d.Count)
	return d, nil
}

// Stats returns query statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		QueriesExecuted:   e.stats.queries.Load(),
		RowsReturned:      e.stats.rows.Load(),
		Errors:            e.stats.errors.Load(),
		DescribesExecuted: e.stats.describes.Load(),
	}
}
