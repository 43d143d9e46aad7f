package types

import (
	"fmt"
	"strings"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
)

// ConflictPolicy decides what an upsert does with a key that already exists.
type ConflictPolicy int

const (
	// Overwrite replaces the stored row. Default.
	Overwrite ConflictPolicy = iota
	// Skip keeps the stored row and reports the key as rejected.
	Skip
	// Fail rejects the whole batch.
	Fail
)

// String returns the string representation of the policy.
func (p ConflictPolicy) String() string {
	switch p {
	case Overwrite:
		return "overwrite"
	case Skip:
		return "skip"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParseConflictPolicy parses a policy name. The empty string is Overwrite.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return Overwrite, nil
	case "skip":
		return Skip, nil
	case "fail":
		return Fail, nil
	default:
		return Overwrite, errs.NewInvalidValue("conflict policy", s, "must be overwrite, skip or fail")
	}
}

// UpsertResult is the outcome of a committed batch.
type UpsertResult struct {
	BatchID  string
	Series   SeriesID
	Inserted int
	Updated  int
	Rejected int

	// Rejections names the keys counted in Rejected.
	Rejections []*errs.KeyError
}

// Total returns the number of records the batch carried.
func (r UpsertResult) Total() int {
	return r.Inserted + r.Updated + r.Rejected
}

// PartitionHandle locates the chunk that owns a key.
type PartitionHandle struct {
	Series SeriesID
	Start  time.Time // inclusive
	End    time.Time // exclusive
	Path   string    // empty for backends without chunk files
}

// Contains reports whether t falls inside the chunk.
func (h PartitionHandle) Contains(t time.Time) bool {
	return !t.Before(h.Start) && t.Before(h.End)
}

// EvictResult reports what EvictBefore removed.
type EvictResult struct {
	Series         SeriesID
	Cutoff         time.Time
	ChunksDropped  int
	RecordsRemoved int
}
