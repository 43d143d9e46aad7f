package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Writer implements the write-ahead log. Appending an entry is the commit
// point of every upsert and eviction.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][msgpack payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer

	opts Options

	// pending counts payload bytes appended since the last Cut.
	pending int64

	stopSync chan struct{}
	syncDone chan struct{}
	closed   bool

	// Statistics
	stats WriterStats
}

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, flushed on SyncInterval
	// "sync"  - flushed to the OS after each entry
	// "fsync" - fsynced after each entry
	SyncMode string

	// SyncInterval is the flush interval for async mode.
	// Default: 1s
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		SyncMode:       "fsync",
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	EntriesWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x4252535741460001 // "BRSWAF" + version 1
	walVersion       = 2
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 256 * 1024 * 1024
)

// NewWriter creates a new WAL writer. It always starts a fresh segment
// after any existing ones, so segments written before a crash are never
// appended to.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.segmentSeq = segments[len(segments)-1].Seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	if opts.SyncMode == "async" {
		w.stopSync = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.syncLoop()
	}

	return w, nil
}

// Append writes one entry and makes it durable according to SyncMode.
// It returns the number of bytes written.
func (w *Writer) Append(e *Entry) (int64, error) {
	payload, err := encodeEntry(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	if len(payload) > maxRecordSize {
		return 0, fmt.Errorf("entry too large: %d bytes", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("wal writer closed")
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize+recordSize > w.opts.MaxSegmentSize && w.currentSize > headerSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return 0, fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return 0, fmt.Errorf("write record: %w", err)
	}

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return 0, fmt.Errorf("sync: %w", err)
		}
	}

	w.stats.EntriesWritten++
	w.stats.BytesWritten += recordSize
	w.pending += recordSize

	return recordSize, nil
}

// writeRecord writes a single framed record to the current segment.
func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == "fsync" {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

func (w *Writer) syncLoop() {
	defer close(w.syncDone)
	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopSync:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.syncUnlocked(); err != nil {
					w.stats.Errors++
				}
			}
			w.mu.Unlock()
		}
	}
}

// Cut closes the current segment, opens a new one and resets the pending
// byte counter. Every segment with a sequence below the returned value
// holds only entries appended before the cut.
func (w *Writer) Cut() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateUnlocked(); err != nil {
		return 0, err
	}
	w.pending = 0
	return w.segmentSeq - 1, nil
}

// PendingBytes returns the bytes appended since the last Cut.
func (w *Writer) PendingBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		if err := w.syncUnlocked(); err != nil {
			return fmt.Errorf("sync segment: %w", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
	}

	segmentPath := filepath.Join(w.dir, segmentName(w.segmentSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segmentSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the WAL writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.syncUnlocked()
	if w.currentSegment != nil {
		if cerr := w.currentSegment.Close(); err == nil {
			err = cerr
		}
	}
	w.mu.Unlock()

	if w.stopSync != nil {
		close(w.stopSync)
		<-w.syncDone
	}
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// Dir returns the segment directory.
func (w *Writer) Dir() string {
	return w.dir
}

// DeleteSegmentsBefore deletes all segments older than the given sequence.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	segments, err := ListSegments(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	current := w.currentPath
	w.mu.Unlock()

	deleted := 0
	var firstErr error
	for _, s := range segments {
		if s.Seq >= seq {
			break
		}
		if s.Path == current {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
	}

	return deleted, firstErr
}

// Segment describes a segment file.
type Segment struct {
	Path string
	Seq  int64
	Size int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d.wal", seq)
}

// ListSegments returns all segment files in dir ordered by sequence.
func ListSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, Segment{
			Path: filepath.Join(dir, name),
			Seq:  seq,
			Size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Seq < segments[j].Seq
	})

	return segments, nil
}
