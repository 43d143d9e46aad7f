package wal

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xtxerr/barstore/internal/storage/types"
)

// EntryKind distinguishes the operations recorded in the log.
type EntryKind uint8

const (
	// KindPut sets every record of the entry, replacing stored rows.
	KindPut EntryKind = iota + 1
	// KindEvict removes every key of the series before CutoffMs.
	KindEvict
)

// String returns the string representation of the kind.
func (k EntryKind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindEvict:
		return "evict"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Entry is one committed operation. Put entries carry the records as
// applied after conflict resolution, so replaying a log prefix twice
// converges to the same state.
type Entry struct {
	Kind     EntryKind      `msgpack:"k"`
	Series   types.SeriesID `msgpack:"s"`
	BatchID  string         `msgpack:"b,omitempty"`
	Records  []types.Record `msgpack:"r,omitempty"`
	CutoffMs int64          `msgpack:"c,omitempty"`
}

// encodeEntry encodes an entry as a msgpack payload.
func encodeEntry(e *Entry) ([]byte, error) {
	if e.Kind != KindPut && e.Kind != KindEvict {
		return nil, fmt.Errorf("invalid entry kind %d", e.Kind)
	}
	return msgpack.Marshal(e)
}

// decodeEntry decodes a msgpack payload.
func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Kind != KindPut && e.Kind != KindEvict {
		return nil, fmt.Errorf("invalid entry kind %d", e.Kind)
	}
	return &e, nil
}
