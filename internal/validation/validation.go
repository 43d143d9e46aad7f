// Package validation checks raw records against their series before they
// reach storage. Everything here is pure: no I/O, no clocks.
package validation

import (
	"math"
	"strings"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// =============================================================================
// Key Parsing
// =============================================================================

// Layouts carrying a time of day. Layouts without an offset are read as UTC.
var intradayLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseKey parses a textual temporal key for the given granularity and
// returns it as Unix milliseconds UTC.
func ParseKey(key string, g types.Granularity) (int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, errs.ErrMissingKey
	}

	if g == types.Daily {
		if t, err := time.ParseInLocation(time.DateOnly, key, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
		if _, ok := parseIntraday(key); ok {
			return 0, errs.Wrapf(errs.ErrGranularityMismatch, "daily series keyed by timestamp %q", key)
		}
		return 0, errs.Wrapf(errs.ErrBadKey, "%q", key)
	}

	if t, ok := parseIntraday(key); ok {
		return t.UnixMilli(), nil
	}
	if _, err := time.Parse(time.DateOnly, key); err == nil {
		return 0, errs.Wrapf(errs.ErrGranularityMismatch, "intraday series keyed by date %q", key)
	}
	return 0, errs.Wrapf(errs.ErrBadKey, "%q", key)
}

func parseIntraday(key string) (time.Time, bool) {
	for _, layout := range intradayLayouts {
		if t, err := time.ParseInLocation(layout, key, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// keyFromTime applies granularity rules to a structured timestamp.
func keyFromTime(t time.Time, g types.Granularity) (int64, error) {
	t = t.UTC()
	if g == types.Daily {
		if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
			return 0, errs.Wrapf(errs.ErrGranularityMismatch, "daily series keyed by %s", t.Format(time.RFC3339))
		}
	}
	return t.UnixMilli(), nil
}

// =============================================================================
// Record Validation
// =============================================================================

// Validate checks one raw record against its registry entry. On failure the
// error is a *errors.BatchError naming the record's key and every field at
// fault.
func Validate(raw types.RawRecord, entry registry.Entry) (types.Record, error) {
	be := &errs.BatchError{Series: string(entry.ID)}
	label := raw.KeyString()

	var rec types.Record
	var err error
	if raw.Key == "" && !raw.At.IsZero() {
		rec.TimestampMs, err = keyFromTime(raw.At, entry.Granularity)
	} else {
		rec.TimestampMs, err = ParseKey(raw.Key, entry.Granularity)
	}
	if err != nil {
		if label == "" {
			label = "<missing>"
		}
		be.Add(label, entry.Granularity.KeyColumn(), err)
	} else {
		label = entry.Granularity.FormatKey(rec.TimestampMs)
	}

	for _, f := range types.AllFields {
		v := raw.Get(f)
		if v == nil {
			continue
		}
		if !entry.Schema.Has(f) {
			be.Add(label, string(f), errs.ErrFieldNotAllowed)
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			be.Add(label, string(f), errs.ErrNonFinite)
			continue
		}
		rec.Set(f, v)
	}

	for _, f := range entry.Positive() {
		if v := rec.Get(f); v != nil && *v <= 0 {
			be.Add(label, string(f), errs.Wrapf(errs.ErrNonPositive, "got %v", *v))
		}
	}

	if err := be.Err(); err != nil {
		return types.Record{}, err
	}
	return rec, nil
}

// ValidateBatch validates every record of one series. It returns the valid
// records in input order and a *errors.BatchError covering every failing
// record, including keys that appear more than once in the batch.
func ValidateBatch(raws []types.RawRecord, entry registry.Entry) ([]types.Record, error) {
	be := &errs.BatchError{Series: string(entry.ID)}
	out := make([]types.Record, 0, len(raws))
	seen := make(map[int64]int, len(raws))

	for _, raw := range raws {
		if raw.Series != "" && types.SeriesID(raw.Series) != entry.ID {
			be.Add(raw.KeyString(), "series", errs.NewInvalidValue("series", raw.Series, "does not match batch series "+string(entry.ID)))
			continue
		}
		rec, err := Validate(raw, entry)
		if err != nil {
			var rb *errs.BatchError
			if errs.As(err, &rb) {
				be.Keys = append(be.Keys, rb.Keys...)
			} else {
				be.Add(raw.KeyString(), "", err)
			}
			continue
		}
		seen[rec.TimestampMs]++
		if seen[rec.TimestampMs] == 2 {
			be.Add(entry.Granularity.FormatKey(rec.TimestampMs), "", errs.ErrDuplicateKey)
		}
		out = append(out, rec)
	}

	if err := be.Err(); err != nil {
		valid := out[:0]
		for _, r := range out {
			if seen[r.TimestampMs] == 1 {
				valid = append(valid, r)
			}
		}
		return valid, err
	}
	return out, nil
}

// ValidateRecords validates a typed batch for one series.
func ValidateRecords(recs []types.Record, entry registry.Entry) error {
	raws := make([]types.RawRecord, len(recs))
	for i, rec := range recs {
		raws[i] = types.RawRecord{At: rec.Time()}
		for _, f := range types.AllFields {
			raws[i].Set(f, rec.Get(f))
		}
	}
	_, err := ValidateBatch(raws, entry)
	return err
}
