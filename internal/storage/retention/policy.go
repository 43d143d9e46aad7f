package retention

import (
	"time"

	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Policy decides the eviction cutoff of a series. Keys strictly before the
// cutoff are removed. ok is false when the series is kept in full.
type Policy interface {
	Cutoff(entry registry.Entry, now time.Time) (cutoff time.Time, ok bool)
}

// MaxAge keeps each series for its configured maximum age.
type MaxAge struct {
	Config config.RetentionConfig
}

// Cutoff implements Policy. Daily series are cut at midnight UTC so a
// whole day is either kept or removed.
func (p MaxAge) Cutoff(entry registry.Entry, now time.Time) (time.Time, bool) {
	age := p.Config.MaxAge(string(entry.ID))
	if age <= 0 {
		return time.Time{}, false
	}
	cutoff := now.UTC().Add(-age)
	if entry.Granularity == types.Daily {
		cutoff = cutoff.Truncate(24 * time.Hour)
	}
	return cutoff, true
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(entry registry.Entry, now time.Time) (time.Time, bool)

// Cutoff implements Policy.
func (f PolicyFunc) Cutoff(entry registry.Entry, now time.Time) (time.Time, bool) {
	return f(entry, now)
}
