package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrTornRecord marks a record that was cut short or fails its checksum.
// At the tail of the newest segment this is the normal result of a crash
// during append.
var ErrTornRecord = errors.New("torn wal record")

// Reader reads entries from a WAL segment file.
type Reader struct {
	path string
	file *os.File
	buf  *bufio.Reader

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	EntriesRead    int64
	RecordsRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader creates a new WAL reader for a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read header: %w", ErrTornRecord)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
		buf:  bufio.NewReaderSize(f, 64*1024),
	}, nil
}

// Next reads the next entry from the segment.
// Returns io.EOF when there are no more entries and ErrTornRecord when the
// remaining bytes do not form a valid record.
func (r *Reader) Next() (*Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.buf, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("read record header: %w", ErrTornRecord)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("record too large (%d bytes): %w", length, ErrTornRecord)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("read payload: %w", ErrTornRecord)
	}

	if actualCRC := crc32.ChecksumIEEE(payload); actualCRC != expectedCRC {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x: %w", expectedCRC, actualCRC, ErrTornRecord)
	}

	e, err := decodeEntry(payload)
	if err != nil {
		r.stats.CorruptRecords++
		return nil, fmt.Errorf("decode entry: %w", err)
	}

	r.stats.EntriesRead++
	r.stats.RecordsRead += int64(len(e.Records))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return e, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads every entry of a segment file. A torn tail ends the
// segment and is reported alongside the entries read before it.
func ReadSegment(path string) ([]*Entry, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Segments  int
	Entries   int
	TornTails int
}

// Replay calls fn for every entry of every segment in dir with a sequence
// at or above fromSeq, in log order. A torn record ends its segment; replay
// continues with the next segment. Any other error aborts.
func Replay(dir string, fromSeq int64, fn func(*Entry) error) (ReplayStats, error) {
	var stats ReplayStats

	segments, err := ListSegments(dir)
	if err != nil {
		return stats, fmt.Errorf("list segments: %w", err)
	}

	for _, s := range segments {
		if s.Seq < fromSeq {
			continue
		}
		stats.Segments++

		entries, err := ReadSegment(s.Path)
		if err != nil {
			if !errors.Is(err, ErrTornRecord) {
				return stats, fmt.Errorf("read segment %s: %w", s.Path, err)
			}
			stats.TornTails++
		}

		for _, e := range entries {
			if err := fn(e); err != nil {
				return stats, fmt.Errorf("apply entry from %s: %w", s.Path, err)
			}
			stats.Entries++
		}
	}

	return stats, nil
}
