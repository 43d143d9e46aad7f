package parquet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// Fsync forces file and directory syncs before a chunk replaces its
	// previous version.
	Fsync bool
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		Fsync:       true,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// RecordRow is a record in Parquet format. Columns outside a series'
// schema are always null.
type RecordRow struct {
	TimestampMs int64 `parquet:"timestamp_ms"`

	Open  *float64 `parquet:"open,optional"`
	High  *float64 `parquet:"high,optional"`
	Low   *float64 `parquet:"low,optional"`
	Close *float64 `parquet:"close,optional"`

	OutstandingSupply *float64 `parquet:"outstanding_supply,optional"`
	TradingVolume     *float64 `parquet:"trading_volume,optional"`

	Value *float64 `parquet:"value,optional"`
}

// RecordToRow converts a Record to a RecordRow.
func RecordToRow(r *types.Record) RecordRow {
	return RecordRow{
		TimestampMs:       r.TimestampMs,
		Open:              r.Open,
		High:              r.High,
		Low:               r.Low,
		Close:             r.Close,
		OutstandingSupply: r.OutstandingSupply,
		TradingVolume:     r.TradingVolume,
		Value:             r.Value,
	}
}

// RowToRecord converts a RecordRow to a Record.
func RowToRecord(r *RecordRow) types.Record {
	return types.Record{
		TimestampMs:       r.TimestampMs,
		Open:              r.Open,
		High:              r.High,
		Low:               r.Low,
		Close:             r.Close,
		OutstandingSupply: r.OutstandingSupply,
		TradingVolume:     r.TradingVolume,
		Value:             r.Value,
	}
}

// WriteChunk writes records to path, replacing any previous file
// atomically. Readers of path see either the old or the new chunk.
func WriteChunk(path string, records []types.Record, opts Options) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	writer := parquet.NewGenericWriter[RecordRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	if len(records) > 0 {
		rows := make([]RecordRow, len(records))
		for i := range records {
			rows[i] = RecordToRow(&records[i])
		}
		if _, err := writer.Write(rows); err != nil {
			cleanup()
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close writer: %w", err)
	}

	if opts.Fsync {
		if err := f.Sync(); err != nil {
			cleanup()
			return fmt.Errorf("sync file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename chunk: %w", err)
	}

	if opts.Fsync {
		return syncDir(dir)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
