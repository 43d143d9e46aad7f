package types

import (
	"fmt"
	"time"
)

// SeriesID names a registered series, e.g. "bitcoin" or "gold_trading_metadata".
type SeriesID string

const (
	Bitcoin  SeriesID = "bitcoin"
	Nasdaq   SeriesID = "nasdaq"
	SNP      SeriesID = "snp"
	DowJones SeriesID = "dow_jones"
	Oil      SeriesID = "oil"
	Gold     SeriesID = "gold"
	CPI      SeriesID = "cpi"
)

// MetadataSuffix is appended to an asset id to name its trading metadata series.
const MetadataSuffix = "_trading_metadata"

// MetadataOf returns the companion metadata series of an asset.
func MetadataOf(asset SeriesID) SeriesID {
	return asset + MetadataSuffix
}

// Bounds of the full key range, in Unix milliseconds.
const (
	MinKeyMs = -62135596800000 // 0001-01-01T00:00:00Z
	MaxKeyMs = 253402300799999 // 9999-12-31T23:59:59.999Z
)

// Granularity of a series' temporal key. Fixed for the life of a series.
type Granularity int

const (
	// Intraday series are keyed by UTC timestamp.
	Intraday Granularity = iota
	// Daily series are keyed by calendar date, stored as midnight UTC.
	Daily
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case Intraday:
		return "intraday"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("unknown(%d)", g)
	}
}

// KeyColumn is the name of the temporal key column.
func (g Granularity) KeyColumn() string {
	if g == Daily {
		return "date"
	}
	return "timestamp"
}

// ChunkSpan returns the time span covered by one partition chunk.
// Daily chunks are calendar years, so the span is nominal.
func (g Granularity) ChunkSpan() time.Duration {
	switch g {
	case Intraday:
		return 24 * time.Hour
	case Daily:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// ChunkStart returns the start of the chunk containing t.
func (g Granularity) ChunkStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Daily:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// ChunkEnd returns the exclusive end of the chunk starting at start.
func (g Granularity) ChunkEnd(start time.Time) time.Time {
	if g == Daily {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 0, 1)
}

// ChunkLayout is the time layout used to name chunk files.
func (g Granularity) ChunkLayout() string {
	if g == Daily {
		return "2006"
	}
	return "2006-01-02"
}

// ChunkName returns the file stem of the chunk starting at start.
func (g Granularity) ChunkName(start time.Time) string {
	return start.UTC().Format(g.ChunkLayout())
}

// ParseChunkName parses a chunk file stem back to its start time.
func (g Granularity) ParseChunkName(name string) (time.Time, error) {
	return time.ParseInLocation(g.ChunkLayout(), name, time.UTC)
}

// FormatKey renders a key the way feeds send it: a date for daily series,
// RFC 3339 for intraday.
func (g Granularity) FormatKey(ms int64) string {
	t := time.UnixMilli(ms).UTC()
	if g == Daily {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

// Schema is the set of value columns a series carries.
type Schema int

const (
	SchemaOHLC Schema = iota
	SchemaMetadata
	SchemaScalar
)

// String returns the string representation of the schema.
func (s Schema) String() string {
	switch s {
	case SchemaOHLC:
		return "ohlc"
	case SchemaMetadata:
		return "metadata"
	case SchemaScalar:
		return "scalar"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Fields returns the value columns of the schema in storage order.
func (s Schema) Fields() []Field {
	switch s {
	case SchemaOHLC:
		return []Field{FieldOpen, FieldHigh, FieldLow, FieldClose}
	case SchemaMetadata:
		return []Field{FieldOutstandingSupply, FieldTradingVolume}
	case SchemaScalar:
		return []Field{FieldValue}
	default:
		return nil
	}
}

// Has reports whether f is a column of the schema.
func (s Schema) Has(f Field) bool {
	for _, x := range s.Fields() {
		if x == f {
			return true
		}
	}
	return false
}
