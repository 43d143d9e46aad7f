// Package registry is the static table of known series.
package registry

import (
	"sort"
	"strings"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// Entry describes one registered series.
type Entry struct {
	ID          types.SeriesID
	Granularity types.Granularity
	Schema      types.Schema
	// Resolution is the native spacing of keys. Buckets finer than this
	// are rejected.
	Resolution time.Duration
	// Asset is set on metadata series and names the priced asset.
	Asset types.SeriesID
}

// Column describes one stored column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Columns returns the key column followed by the value columns.
func (e Entry) Columns() []Column {
	keyType := "timestamptz"
	if e.Granularity == types.Daily {
		keyType = "date"
	}
	cols := []Column{{Name: e.Granularity.KeyColumn(), Type: keyType}}
	for _, f := range e.Schema.Fields() {
		cols = append(cols, Column{Name: string(f), Type: "double precision", Nullable: true})
	}
	return cols
}

// Positive lists the fields that must be strictly positive when present.
func (e Entry) Positive() []types.Field {
	if e.Schema == types.SchemaMetadata {
		return []types.Field{types.FieldOutstandingSupply, types.FieldTradingVolume}
	}
	return nil
}

var assets = []types.SeriesID{
	types.Bitcoin, types.Nasdaq, types.SNP, types.DowJones, types.Oil, types.Gold,
}

var table = build()

func build() map[types.SeriesID]Entry {
	m := make(map[types.SeriesID]Entry)
	const day = 24 * time.Hour
	for _, a := range assets {
		e := Entry{ID: a, Granularity: types.Daily, Schema: types.SchemaOHLC, Resolution: day}
		if a == types.Bitcoin {
			e.Granularity = types.Intraday
			e.Resolution = time.Minute
		}
		m[a] = e

		meta := types.MetadataOf(a)
		m[meta] = Entry{ID: meta, Granularity: types.Daily, Schema: types.SchemaMetadata, Resolution: day, Asset: a}
	}
	m[types.CPI] = Entry{ID: types.CPI, Granularity: types.Daily, Schema: types.SchemaScalar, Resolution: day}
	return m
}

// Resolve returns the entry for id or ErrUnknownSeries.
func Resolve(id types.SeriesID) (Entry, error) {
	e, ok := table[types.SeriesID(strings.TrimSpace(string(id)))]
	if !ok {
		return Entry{}, errs.NewUnknownSeries(string(id))
	}
	return e, nil
}

// All returns every entry sorted by id.
func All() []Entry {
	out := make([]Entry, 0, len(table))
	for _, e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every series id sorted.
func IDs() []types.SeriesID {
	all := All()
	ids := make([]types.SeriesID, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	return ids
}
