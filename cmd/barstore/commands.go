package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage"
	"github.com/xtxerr/barstore/internal/storage/ingestion"
	"github.com/xtxerr/barstore/internal/storage/query"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/validation"
)

// app runs commands against an open service.
type app struct {
	svc *storage.Service
	out io.Writer
}

type command struct {
	name string
	help string
	run  func(a *app, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"ingest", "load CSV or JSON lines files", (*app).ingest},
		{"query", "range query with optional bucketing", (*app).query},
		{"latest", "most recent record of a series", (*app).latest},
		{"describe", "columns, row count and key range", (*app).describe},
		{"series", "list registered series", (*app).series},
		{"evict", "remove records before a key", (*app).evict},
		{"partition", "ensure the chunk owning a key", (*app).partition},
		{"flush", "checkpoint pending writes", (*app).flush},
		{"retention", "apply retention policies", (*app).retention},
		{"usage", "chunk file disk usage", (*app).usage},
		{"requirements", "estimate storage and memory needs", (*app).requirements},
		{"sql", "ad-hoc SQL", (*app).sql},
		{"stats", "service statistics", (*app).stats},
		{"shell", "interactive shell", (*app).shell},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if args[0] == "help" {
		a.help()
		return nil
	}
	c, ok := lookup(args[0])
	if !ok {
		return errs.Wrapf(errs.ErrBadInput, "unknown command %q", args[0])
	}
	return c.run(a, ctx, args[1:])
}

func (a *app) help() {
	for _, c := range commands {
		fmt.Fprintf(a.out, "  %-10s %s\n", c.name, c.help)
	}
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errs.Wrapf(errs.ErrBadInput, "%s: %v", fs.Name(), err)
	}
	return nil
}

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := a.flags("ingest")
	series := fs.String("series", "", "series for rows without a series column")
	policyName := fs.String("policy", "overwrite", "conflict policy: overwrite, skip, fail")
	dryRun := fs.Bool("dry-run", false, "validate and preview without writing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errs.Wrapf(errs.ErrBadInput, "ingest: no input files")
	}
	policy, err := types.ParseConflictPolicy(*policyName)
	if err != nil {
		return err
	}

	var raws []types.RawRecord
	for _, path := range fs.Args() {
		recs, err := ingestion.DecodeFile(path, *series)
		if err != nil {
			return err
		}
		raws = append(raws, recs...)
	}

	if *dryRun {
		previews, err := a.svc.DryRun(raws)
		for _, p := range previews {
			printPreview(a.out, p)
		}
		return err
	}

	ctx = logging.ContextWithSource(ctx, strings.Join(fs.Args(), ","))
	report, err := a.svc.Ingest(ctx, raws, policy)
	printReport(a.out, report)
	return err
}

func (a *app) query(ctx context.Context, args []string) error {
	fs := a.flags("query")
	series := fs.String("series", "", "series to query")
	from := fs.String("from", "", "inclusive lower key (default: earliest)")
	to := fs.String("to", "", "inclusive upper key (default: latest)")
	bucket := fs.String("bucket", "", "bucket width, e.g. 5m, 1h, 7d")
	limit := fs.Int("limit", 0, "stop after N rows")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	entry, err := registry.Resolve(types.SeriesID(*series))
	if err != nil {
		return err
	}

	req := query.Request{Series: entry.ID, From: time.UnixMilli(types.MinKeyMs), To: time.UnixMilli(types.MaxKeyMs)}
	if *from != "" {
		if req.From, err = parseBound(*from, entry.Granularity); err != nil {
			return err
		}
	}
	if *to != "" {
		if req.To, err = parseBound(*to, entry.Granularity); err != nil {
			return err
		}
	}
	if *bucket != "" {
		if req.Bucket, err = parseBucket(*bucket); err != nil {
			return err
		}
	}

	seq, err := a.svc.Query(ctx, req)
	if err != nil {
		return err
	}
	var recs []types.Record
	for r, err := range seq {
		if err != nil {
			return err
		}
		recs = append(recs, r)
		if *limit > 0 && len(recs) >= *limit {
			break
		}
	}
	printRecords(a.out, entry, recs)
	return nil
}

func (a *app) latest(ctx context.Context, args []string) error {
	entry, err := seriesArg("latest", args)
	if err != nil {
		return err
	}
	r, ok, err := a.svc.Latest(ctx, entry.ID)
	if err != nil {
		return err
	}
	if !ok {
		printRecords(a.out, entry, nil)
		return nil
	}
	printRecords(a.out, entry, []types.Record{r})
	return nil
}

func (a *app) describe(ctx context.Context, args []string) error {
	entry, err := seriesArg("describe", args)
	if err != nil {
		return err
	}
	d, err := a.svc.Describe(ctx, entry.ID)
	if err != nil {
		return err
	}
	printDescription(a.out, d)
	return nil
}

func (a *app) series(context.Context, []string) error {
	printSeries(a.out)
	return nil
}

func (a *app) evict(ctx context.Context, args []string) error {
	fs := a.flags("evict")
	series := fs.String("series", "", "series to evict from")
	before := fs.String("before", "", "exclusive cutoff key")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	entry, err := registry.Resolve(types.SeriesID(*series))
	if err != nil {
		return err
	}
	cutoff, err := parseBound(*before, entry.Granularity)
	if err != nil {
		return err
	}
	res, err := a.svc.EvictBefore(ctx, entry.ID, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "evicted %s before %s: %d chunks dropped, %d records removed\n",
		res.Series, formatKey(entry, res.Cutoff.UnixMilli()), res.ChunksDropped, res.RecordsRemoved)
	return nil
}

func (a *app) partition(ctx context.Context, args []string) error {
	fs := a.flags("partition")
	series := fs.String("series", "", "series")
	key := fs.String("key", "", "key the chunk must own")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	entry, err := registry.Resolve(types.SeriesID(*series))
	if err != nil {
		return err
	}
	at, err := parseBound(*key, entry.Granularity)
	if err != nil {
		return err
	}
	h, err := a.svc.EnsurePartition(ctx, entry.ID, at)
	if err != nil {
		return err
	}
	path := h.Path
	if path == "" {
		path = "-"
	}
	t := newTable(a.out, "series", "start", "end", "path")
	t.Append([]string{string(h.Series), formatTime(h.Start), formatTime(h.End), path})
	t.Render()
	return nil
}

func (a *app) flush(ctx context.Context, _ []string) error {
	st, err := a.svc.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "checkpoint: %d chunks written, %d orphans removed, %d segments purged\n",
		st.ChunksWritten, st.OrphansRemoved, st.SegmentsPurged)
	return nil
}

func (a *app) retention(ctx context.Context, args []string) error {
	fs := a.flags("retention")
	dryRun := fs.Bool("dry-run", false, "report without removing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	run := a.svc.RunRetention
	if *dryRun {
		run = a.svc.DryRunRetention
	}
	results, err := run(ctx)
	printRetention(a.out, results)
	return err
}

func (a *app) usage(context.Context, []string) error {
	u, err := a.svc.DiskUsage()
	if err != nil {
		return err
	}
	printDiskUsage(a.out, u)
	return nil
}

func (a *app) requirements(_ context.Context, args []string) error {
	fs := a.flags("requirements")
	horizon := fs.String("horizon", "365d", "retention horizon for series without a policy")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	h, err := parseBucket(*horizon)
	if err != nil {
		return errs.Wrapf(errs.ErrBadInput, "horizon %q", *horizon)
	}
	r := a.svc.Config().CalculateRequirements(h)
	fmt.Fprint(a.out, r.FormatRequirements())
	return nil
}

func (a *app) sql(ctx context.Context, args []string) error {
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" {
		return errs.Wrapf(errs.ErrBadInput, "sql: empty query")
	}
	res, err := a.svc.QuerySQL(ctx, q)
	if err != nil {
		return err
	}
	printSQL(a.out, res)
	return nil
}

func (a *app) stats(context.Context, []string) error {
	printStats(a.out, a.svc.Stats())
	return nil
}

func seriesArg(cmd string, args []string) (registry.Entry, error) {
	if len(args) != 1 {
		return registry.Entry{}, errs.Wrapf(errs.ErrBadInput, "%s: expected one series", cmd)
	}
	return registry.Resolve(types.SeriesID(args[0]))
}

// parseBound parses a query bound. Intraday series also accept a bare
// date, meaning midnight UTC.
func parseBound(s string, g types.Granularity) (time.Time, error) {
	if g == types.Intraday {
		if t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(s), time.UTC); err == nil {
			return t, nil
		}
	}
	ms, err := validation.ParseKey(s, g)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseBucket parses a Go duration, plus a whole-day "Nd" form.
func parseBucket(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days <= 0 {
			return 0, errs.Wrapf(errs.ErrInvalidRange, "bucket %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errs.Wrapf(errs.ErrInvalidRange, "bucket %q", s)
	}
	return d, nil
}
