// Package ingestion is the write boundary: it decodes feed files, groups
// rows by series, validates them and hands one batch per series to the
// upsert engine.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/validation"
)

// Store accepts validated batches.
type Store interface {
	Upsert(ctx context.Context, id types.SeriesID, recs []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error)
}

// Service runs the ingestion pipeline:
// decode → struct checks → group by series → validate → upsert.
type Service struct {
	store    Store
	validate *validator.Validate
	log      *slog.Logger

	stats Stats
}

// Stats holds ingestion statistics.
type Stats struct {
	RecordsReceived  atomic.Int64
	RecordsInserted  atomic.Int64
	RecordsUpdated   atomic.Int64
	RecordsRejected  atomic.Int64
	BatchesProcessed atomic.Int64
	BatchesFailed    atomic.Int64
}

// New creates an ingestion service writing to store.
func New(store Store) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		log:      logging.Component("ingestion"),
	}
}

// SeriesReport is the outcome of one series' batch.
type SeriesReport struct {
	Series types.SeriesID
	Result types.UpsertResult
	Err    error
}

// Report is the outcome of one Ingest call.
type Report struct {
	Series []SeriesReport
}

// Totals sums the results of every series.
func (r Report) Totals() types.UpsertResult {
	var t types.UpsertResult
	for _, s := range r.Series {
		t.Inserted += s.Result.Inserted
		t.Updated += s.Result.Updated
		t.Rejected += s.Result.Rejected
		t.Rejections = append(t.Rejections, s.Result.Rejections...)
	}
	return t
}

// group is the rows of one series in input order.
type group struct {
	series string
	raws   []types.RawRecord
}

// groupBySeries splits rows by series, keeping first-seen order.
func groupBySeries(raws []types.RawRecord) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, raw := range raws {
		g, ok := index[raw.Series]
		if !ok {
			g = &group{series: raw.Series}
			index[raw.Series] = g
			groups = append(groups, g)
		}
		g.raws = append(g.raws, raw)
	}
	return groups
}

// checkStructs runs struct tag checks over a group and reports failures by
// key.
func (s *Service) checkStructs(series string, raws []types.RawRecord) error {
	be := &errs.BatchError{Series: series}
	for i := range raws {
		err := s.validate.Struct(&raws[i])
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		key := raws[i].KeyString()
		if key == "" {
			key = "<missing>"
		}
		for _, fe := range verrs {
			be.Add(key, fe.Field(), errs.NewInvalidValue(fe.Field(), fe.Value(), "failed "+fe.Tag()))
		}
	}
	return be.Err()
}

// prepare turns one group into a validated batch.
func (s *Service) prepare(g *group) (registry.Entry, []types.Record, error) {
	if err := s.checkStructs(g.series, g.raws); err != nil {
		return registry.Entry{}, nil, err
	}
	entry, err := registry.Resolve(types.SeriesID(g.series))
	if err != nil {
		return registry.Entry{}, nil, err
	}
	recs, err := validation.ValidateBatch(g.raws, entry)
	if err != nil {
		return entry, nil, err
	}
	return entry, recs, nil
}

// Ingest writes rows grouped by series, one atomic batch per series. A
// failing series does not stop the others; the returned error joins every
// failure.
func (s *Service) Ingest(ctx context.Context, raws []types.RawRecord, policy types.ConflictPolicy) (Report, error) {
	var report Report
	var failed []error

	s.stats.RecordsReceived.Add(int64(len(raws)))

	for _, g := range groupBySeries(raws) {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(failed, err)...)
		}

		sr := SeriesReport{Series: types.SeriesID(g.series)}
		log := logging.Enrich(s.log, logging.ContextWithSeries(ctx, g.series))
		entry, recs, err := s.prepare(g)
		if err == nil {
			sr.Series = entry.ID
			sr.Result, err = s.store.Upsert(ctx, entry.ID, recs, policy)
		}

		s.stats.BatchesProcessed.Add(1)
		if err != nil {
			sr.Err = err
			failed = append(failed, err)
			s.stats.BatchesFailed.Add(1)
			log.Warn("batch rejected", "records", len(g.raws), "error", err)
		} else {
			s.stats.RecordsInserted.Add(int64(sr.Result.Inserted))
			s.stats.RecordsUpdated.Add(int64(sr.Result.Updated))
			s.stats.RecordsRejected.Add(int64(sr.Result.Rejected))
			log.Debug("batch ingested",
				"batch_id", sr.Result.BatchID,
				"inserted", sr.Result.Inserted,
				"updated", sr.Result.Updated,
				"rejected", sr.Result.Rejected)
		}
		report.Series = append(report.Series, sr)
	}

	return report, errors.Join(failed...)
}

// PreviewRows is the number of rows shown by a dry run.
const PreviewRows = 3

// Preview is the dry-run view of one series' batch.
type Preview struct {
	Series  types.SeriesID
	Columns []string
	Rows    int
	// Head holds the first PreviewRows rows as text, followed by a row of
	// "..." when more rows exist.
	Head [][]string
}

// DryRun validates rows exactly as Ingest would and returns a preview per
// series without writing anything.
func (s *Service) DryRun(raws []types.RawRecord) ([]Preview, error) {
	var previews []Preview
	var failed []error

	for _, g := range groupBySeries(raws) {
		entry, recs, err := s.prepare(g)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		previews = append(previews, preview(entry, recs))
	}

	return previews, errors.Join(failed...)
}

func preview(entry registry.Entry, recs []types.Record) Preview {
	cols := entry.Columns()
	p := Preview{Series: entry.ID, Rows: len(recs)}
	for _, c := range cols {
		p.Columns = append(p.Columns, c.Name)
	}

	fields := entry.Schema.Fields()
	for i := 0; i < len(recs) && i < PreviewRows; i++ {
		row := []string{entry.Granularity.FormatKey(recs[i].TimestampMs)}
		for _, f := range fields {
			row = append(row, FormatValue(recs[i].Get(f)))
		}
		p.Head = append(p.Head, row)
	}
	if len(recs) > PreviewRows {
		more := make([]string, len(cols))
		for i := range more {
			more[i] = "..."
		}
		p.Head = append(p.Head, more)
	}
	return p
}

// FormatValue renders a nullable value, NULL for nil.
func FormatValue(v *float64) string {
	if v == nil {
		return "NULL"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// String summarizes a preview on one line.
func (p Preview) String() string {
	return fmt.Sprintf("%s: %d rows, %d columns", p.Series, p.Rows, len(p.Columns))
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		RecordsReceived:  s.stats.RecordsReceived.Load(),
		RecordsInserted:  s.stats.RecordsInserted.Load(),
		RecordsUpdated:   s.stats.RecordsUpdated.Load(),
		RecordsRejected:  s.stats.RecordsRejected.Load(),
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		BatchesFailed:    s.stats.BatchesFailed.Load(),
	}
}

// ServiceStats is a point-in-time copy of Stats.
type ServiceStats struct {
	RecordsReceived  int64
	RecordsInserted  int64
	RecordsUpdated   int64
	RecordsRejected  int64
	BatchesProcessed int64
	BatchesFailed    int64
}
