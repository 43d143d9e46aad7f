package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// FileExt is the extension of chunk files.
const FileExt = ".parquet"

// ErrCorruptChunk is returned for files that are not readable Parquet.
var ErrCorruptChunk = errors.New("corrupt chunk file")

// SeriesDir returns the directory holding a series' chunks.
func SeriesDir(root string, id types.SeriesID) string {
	return filepath.Join(root, string(id))
}

// ChunkPath returns the file of the chunk starting at start.
func ChunkPath(root string, id types.SeriesID, g types.Granularity, start time.Time) string {
	return filepath.Join(SeriesDir(root, id), g.ChunkName(start)+FileExt)
}

// ReadChunk reads every record of a chunk file in file order.
func ReadChunk(path string) (records []types.Record, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	// parquet-go panics on malformed footers.
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("%s: %v: %w", path, r, ErrCorruptChunk)
		}
	}()

	reader := parquet.NewGenericReader[RecordRow](f)
	defer reader.Close()

	numRows := reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]RecordRow, numRows)
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	records = make([]types.Record, n)
	for i := 0; i < n; i++ {
		records[i] = RowToRecord(&rows[i])
	}
	return records, nil
}

// ChunkFile is a chunk file found on disk.
type ChunkFile struct {
	Path  string
	Start time.Time
	Size  int64
}

// ListChunks returns the chunk files of a series ordered by start. Files
// whose names do not parse with the series' layout are skipped.
func ListChunks(root string, id types.SeriesID, g types.Granularity) ([]ChunkFile, error) {
	dir := SeriesDir(root, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []ChunkFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, FileExt) {
			continue
		}
		start, err := g.ParseChunkName(strings.TrimSuffix(name, FileExt))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, ChunkFile{Path: filepath.Join(dir, name), Start: start, Size: info.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Start.Before(files[j].Start) })
	return files, nil
}

// RemoveStaleTemp deletes temp files left by interrupted chunk writes. It
// must not run concurrently with WriteChunk on the same series.
func RemoveStaleTemp(root string, id types.SeriesID) (int, error) {
	matches, err := filepath.Glob(filepath.Join(SeriesDir(root, id), ".*.tmp"))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			n++
		}
	}
	return n, nil
}
