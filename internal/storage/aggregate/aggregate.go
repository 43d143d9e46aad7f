// Package aggregate folds records into time buckets and computes
// per-column statistics with DDSketch percentiles.
package aggregate

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of percentile sketches.
const DefaultAccuracy = 0.01

// StreamingAggregate maintains running statistics for one column.
// It supports optional percentile calculation using DDSketch.
type StreamingAggregate struct {
	mu sync.Mutex

	field types.Field

	// Running statistics
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// New creates a new StreamingAggregate for a column.
func New(field types.Field, enablePercentile bool) *StreamingAggregate {
	agg := &StreamingAggregate{
		field: field,
		min:   math.MaxFloat64,
		max:   -math.MaxFloat64,
	}

	if enablePercentile {
		if sketch, err := ddsketch.NewDefaultDDSketch(DefaultAccuracy); err == nil {
			agg.sketch = sketch
		}
	}

	return agg
}

// Add adds a value to the aggregate.
func (a *StreamingAggregate) Add(value float64, timestampMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 || timestampMs < a.firstTs {
		a.firstTs = timestampMs
	}
	if a.count == 0 || timestampMs > a.lastTs {
		a.lastTs = timestampMs
	}

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.sketch != nil {
		_ = a.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// FieldStats is the summary of one column.
type FieldStats struct {
	Field   types.Field
	Count   int64
	Sum     float64
	Min     float64
	Max     float64
	Avg     float64
	FirstTs int64
	LastTs  int64

	// Percentiles (nil if disabled or empty)
	P50 *float64
	P90 *float64
	P99 *float64
}

// HasPercentiles reports whether percentiles were computed.
func (s FieldStats) HasPercentiles() bool {
	return s.P50 != nil
}

// Result returns the column statistics.
func (a *StreamingAggregate) Result() FieldStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := FieldStats{
		Field:   a.field,
		Count:   a.count,
		Sum:     a.sum,
		FirstTs: a.firstTs,
		LastTs:  a.lastTs,
	}

	if a.count > 0 {
		result.Avg = a.sum / float64(a.count)
		result.Min = a.min
		result.Max = a.max
	}

	if a.sketch != nil && a.count > 0 && !a.sketch.IsEmpty() {
		if vals, err := a.sketch.GetValuesAtQuantiles([]float64{0.50, 0.90, 0.99}); err == nil {
			result.P50, result.P90, result.P99 = &vals[0], &vals[1], &vals[2]
		}
	}

	return result
}

// Merge combines another aggregate of the same column into this one.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	if a.count == 0 || other.firstTs < a.firstTs {
		a.firstTs = other.firstTs
	}
	if a.count == 0 || other.lastTs > a.lastTs {
		a.lastTs = other.lastTs
	}

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.sketch != nil && other.sketch != nil {
		_ = a.sketch.MergeWith(other.sketch)
	}
}
