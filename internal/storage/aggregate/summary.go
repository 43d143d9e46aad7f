package aggregate

import (
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Summary keeps one StreamingAggregate per column of a schema.
type Summary struct {
	fields []types.Field
	aggs   map[types.Field]*StreamingAggregate
	rows   int64
}

// NewSummary creates a summary over every column of schema.
func NewSummary(schema types.Schema, enablePercentile bool) *Summary {
	s := &Summary{
		fields: schema.Fields(),
		aggs:   make(map[types.Field]*StreamingAggregate),
	}
	for _, f := range s.fields {
		s.aggs[f] = New(f, enablePercentile)
	}
	return s
}

// Add folds a record into the summary. Null columns are skipped.
func (s *Summary) Add(r *types.Record) {
	s.rows++
	for _, f := range s.fields {
		if v := r.Get(f); v != nil {
			s.aggs[f].Add(*v, r.TimestampMs)
		}
	}
}

// Rows returns the number of records added.
func (s *Summary) Rows() int64 {
	return s.rows
}

// Results returns per-column statistics in schema order.
func (s *Summary) Results() []FieldStats {
	out := make([]FieldStats, len(s.fields))
	for i, f := range s.fields {
		out[i] = s.aggs[f].Result()
	}
	return out
}
