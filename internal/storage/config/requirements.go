package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/barstore/internal/storage/registry"
)

// SeriesRequirement is the estimated footprint of one series.
type SeriesRequirement struct {
	Series       string
	RowsPerDay   int64
	RetainedDays float64
	RetainedRows int64
	ChunkFiles   int64
	StorageBytes int64
	MemoryBytes  int64
}

// Requirements represents calculated resource requirements.
type Requirements struct {
	Series []SeriesRequirement

	TotalRows         int64
	TotalChunkFiles   int64
	TotalStorageBytes int64
	StateMemoryBytes  int64
	QueryMemoryBytes  int64
	WALBytes          int64
	TotalRAMBytes     int64
}

// Constants for calculations
const (
	// Bytes per record held in memory (key, pointers and values)
	bytesPerRecordInMemory = 96

	// Bytes per row in Parquet (compressed)
	bytesPerParquetRowCompressed = 20
)

// CalculateRequirements estimates storage and memory with every series
// filled to its retention. Series kept forever are sized for horizon.
func (c *Config) CalculateRequirements(horizon time.Duration) Requirements {
	var r Requirements

	for _, e := range registry.All() {
		keep := c.Retention.MaxAge(string(e.ID))
		if keep <= 0 {
			keep = horizon
		}

		sr := SeriesRequirement{
			Series:       string(e.ID),
			RowsPerDay:   int64(24 * time.Hour / e.Resolution),
			RetainedDays: float64(keep) / float64(24*time.Hour),
		}
		sr.RetainedRows = int64(float64(sr.RowsPerDay) * sr.RetainedDays)
		if span := e.Granularity.ChunkSpan(); span > 0 {
			sr.ChunkFiles = int64((keep + span - 1) / span)
		}
		sr.StorageBytes = sr.RetainedRows * bytesPerParquetRowCompressed
		sr.MemoryBytes = sr.RetainedRows * bytesPerRecordInMemory

		r.Series = append(r.Series, sr)
		r.TotalRows += sr.RetainedRows
		r.TotalChunkFiles += sr.ChunkFiles
		r.TotalStorageBytes += sr.StorageBytes
		r.StateMemoryBytes += sr.MemoryBytes
	}

	r.QueryMemoryBytes = ParseSize(c.Query.MemoryLimit)
	if c.Backpressure.Enabled {
		r.WALBytes = ParseSize(c.Backpressure.MaxPending)
	}
	r.TotalStorageBytes += r.WALBytes
	r.TotalRAMBytes = r.StateMemoryBytes + r.QueryMemoryBytes

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	var b strings.Builder
	b.WriteString("Resource Requirements\n=====================\n\n")

	b.WriteString("Series:\n")
	for _, s := range r.Series {
		fmt.Fprintf(&b, "  %-28s %8s rows  %6d chunks  %10s\n", s.Series, formatNumber(s.RetainedRows), s.ChunkFiles, FormatBytes(s.StorageBytes))
	}

	fmt.Fprintf(&b, `
Storage:
  Chunk files + WAL: %s
  Chunk files:       %d
  Total rows:        %s

Memory:
  Series state:      %s
  Query engine:      %s
  Total RAM:         %s (recommended)
`,
		FormatBytes(r.TotalStorageBytes),
		r.TotalChunkFiles,
		formatNumber(r.TotalRows),
		FormatBytes(r.StateMemoryBytes),
		FormatBytes(r.QueryMemoryBytes),
		FormatBytes(r.TotalRAMBytes),
	)
	return b.String()
}

// ParseSize parses a size string like "2GB" into bytes. An empty string is
// zero.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	var value int64
	unit := ""
	for i, c := range s {
		if c < '0' || c > '9' {
			fmt.Sscanf(s[:i], "%d", &value)
			unit = strings.TrimSpace(s[i:])
			break
		}
	}
	if unit == "" {
		fmt.Sscanf(s, "%d", &value)
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return 0
	}
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
