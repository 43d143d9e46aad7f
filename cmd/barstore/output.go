package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/barstore/internal/storage"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/ingestion"
	"github.com/xtxerr/barstore/internal/storage/query"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/retention"
	"github.com/xtxerr/barstore/internal/storage/types"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func formatKey(entry registry.Entry, ms int64) string {
	return entry.Granularity.FormatKey(ms)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func recordRow(entry registry.Entry, r *types.Record) []string {
	row := []string{formatKey(entry, r.TimestampMs)}
	for _, f := range entry.Schema.Fields() {
		row = append(row, ingestion.FormatValue(r.Get(f)))
	}
	return row
}

func header(entry registry.Entry) []string {
	cols := entry.Columns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func printRecords(w io.Writer, entry registry.Entry, recs []types.Record) {
	t := newTable(w, header(entry)...)
	for i := range recs {
		t.Append(recordRow(entry, &recs[i]))
	}
	t.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(recs))
}

func printReport(w io.Writer, report ingestion.Report) {
	t := newTable(w, "series", "inserted", "updated", "rejected", "status")
	for _, sr := range report.Series {
		status := "ok"
		if sr.Err != nil {
			status = sr.Err.Error()
		}
		t.Append([]string{
			string(sr.Series),
			strconv.Itoa(sr.Result.Inserted),
			strconv.Itoa(sr.Result.Updated),
			strconv.Itoa(sr.Result.Rejected),
			status,
		})
	}
	tot := report.Totals()
	t.SetFooter([]string{"total", strconv.Itoa(tot.Inserted), strconv.Itoa(tot.Updated), strconv.Itoa(tot.Rejected), ""})
	t.Render()

	for _, sr := range report.Series {
		for _, rej := range sr.Result.Rejections {
			fmt.Fprintf(w, "skipped %s %s: %v\n", sr.Series, rej.Key, rej.Err)
		}
	}
}

func printPreview(w io.Writer, p ingestion.Preview) {
	fmt.Fprintln(w, p.String())
	t := newTable(w, p.Columns...)
	t.AppendBulk(p.Head)
	t.Render()
}

// printDescription mirrors a table description: the column listing, then
// row count and key range.
func printDescription(w io.Writer, d query.Description) {
	fmt.Fprintf(w, "series %s (%s, %s)\n", d.Entry.ID, d.Entry.Granularity, d.Entry.Schema)

	t := newTable(w, "column", "type", "nullable")
	for _, c := range d.Columns {
		t.Append([]string{c.Name, c.Type, strconv.FormatBool(c.Nullable)})
	}
	t.Render()

	fmt.Fprintf(w, "rows: %d\n", d.Count)
	if d.First != nil && d.Last != nil {
		fmt.Fprintf(w, "first: %s\nlast:  %s\n",
			formatKey(d.Entry, d.First.TimestampMs), formatKey(d.Entry, d.Last.TimestampMs))
	}
	if d.Count == 0 {
		return
	}

	st := newTable(w, "column", "count", "min", "max", "avg", "p50", "p99")
	for _, f := range d.Fields {
		p50, p99 := "-", "-"
		if f.HasPercentiles() {
			p50, p99 = formatFloat(*f.P50), formatFloat(*f.P99)
		}
		st.Append([]string{
			string(f.Field),
			strconv.FormatInt(f.Count, 10),
			formatFloat(f.Min),
			formatFloat(f.Max),
			formatFloat(f.Avg),
			p50,
			p99,
		})
	}
	st.Render()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func printSeries(w io.Writer) {
	t := newTable(w, "series", "granularity", "schema", "resolution", "asset")
	for _, e := range registry.All() {
		asset := "-"
		if e.Asset != "" {
			asset = string(e.Asset)
		}
		t.Append([]string{string(e.ID), e.Granularity.String(), e.Schema.String(), e.Resolution.String(), asset})
	}
	t.Render()
}

func printSQL(w io.Writer, res query.SQLResult) {
	t := newTable(w, res.Columns...)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatCell(v)
		}
		t.Append(cells)
	}
	t.Render()
	if res.Truncated {
		fmt.Fprintf(w, "(%d rows, truncated)\n", len(res.Rows))
		return
	}
	fmt.Fprintf(w, "(%d rows)\n", len(res.Rows))
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return formatFloat(x)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func printRetention(w io.Writer, results []retention.CleanupResult) {
	t := newTable(w, "series", "cutoff", "chunks", "records", "status")
	for _, r := range results {
		status := "ok"
		switch {
		case r.Err != nil:
			status = r.Err.Error()
		case r.DryRun:
			status = "dry run"
		}
		t.Append([]string{
			string(r.Series),
			formatTime(r.Cutoff),
			strconv.Itoa(r.ChunksDropped),
			strconv.Itoa(r.RecordsRemoved),
			status,
		})
	}
	t.Render()
}

func printDiskUsage(w io.Writer, usage []retention.DiskUsage) {
	t := newTable(w, "series", "files", "size", "oldest", "newest")
	var files int
	var size int64
	for _, u := range usage {
		files += u.FileCount
		size += u.TotalSize
		t.Append([]string{
			string(u.Series),
			strconv.Itoa(u.FileCount),
			config.FormatBytes(u.TotalSize),
			formatTime(u.Oldest),
			formatTime(u.Newest),
		})
	}
	t.SetFooter([]string{"total", strconv.Itoa(files), config.FormatBytes(size), "", ""})
	t.Render()
}

func printStats(w io.Writer, s storage.ServiceStats) {
	t := newTable(w, "metric", "value")
	t.AppendBulk([][]string{
		{"backend", s.Backend},
		{"uptime", s.Uptime.Round(time.Millisecond).String()},
		{"records received", strconv.FormatInt(s.Ingestion.RecordsReceived, 10)},
		{"records inserted", strconv.FormatInt(s.Ingestion.RecordsInserted, 10)},
		{"records updated", strconv.FormatInt(s.Ingestion.RecordsUpdated, 10)},
		{"records rejected", strconv.FormatInt(s.Ingestion.RecordsRejected, 10)},
		{"batches failed", strconv.FormatInt(s.Ingestion.BatchesFailed, 10)},
		{"queries", strconv.FormatInt(s.Query.QueriesExecuted, 10)},
		{"rows returned", strconv.FormatInt(s.Query.RowsReturned, 10)},
		{"chunks", strconv.Itoa(s.Partitions.Chunks)},
		{"records", strconv.Itoa(s.Partitions.Records)},
		{"dirty chunks", strconv.Itoa(s.Partitions.DirtyChunks)},
		{"pending wal", config.FormatBytes(s.Partitions.PendingWALBytes)},
		{"checkpoints", strconv.FormatInt(s.Compaction.Runs, 10)},
		{"backpressure", s.Backpressure.CurrentLevel.String()},
		{"cache hits", strconv.FormatInt(s.Cache.Hits, 10)},
		{"cache misses", strconv.FormatInt(s.Cache.Misses, 10)},
		{"retention runs", strconv.FormatInt(s.Retention.Runs, 10)},
	})
	t.Render()
}
