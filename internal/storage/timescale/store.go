package timescale

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/logging"
	"github.com/xtxerr/barstore/internal/storage/config"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
	"github.com/xtxerr/barstore/internal/validation"
)

// Store is a TimescaleDB-backed series store.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger

	mu      sync.Mutex
	ensured map[types.SeriesID]bool
}

// Open connects to the database and creates every series table.
func Open(ctx context.Context, cfg config.TimescaleConfig) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, errs.Unavailable(err, "connect timescale")
	}
	s := New(pool, cfg.Schema)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{
		pool:    pool,
		schema:  schema,
		log:     logging.Component("timescale"),
		ensured: make(map[types.SeriesID]bool),
	}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errs.Unavailable(err, "ping timescale")
	}
	return nil
}

// Migrate creates the schema and every registered series table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident(s.schema)); err != nil {
		return classify(err, "create schema")
	}
	for _, entry := range registry.All() {
		if err := s.ensureTable(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// ensureTable creates the table and hypertable of a series once.
func (s *Store) ensureTable(ctx context.Context, entry registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[entry.ID] {
		return nil
	}

	if _, err := s.pool.Exec(ctx, createTableSQL(s.schema, entry)); err != nil {
		return classify(err, "create table "+string(entry.ID))
	}
	if _, err := s.pool.Exec(ctx, createHypertableSQL(entry), table(s.schema, entry.ID)); err != nil {
		return classify(err, "create hypertable "+string(entry.ID))
	}

	s.ensured[entry.ID] = true
	s.log.Debug("series table ready", "series", entry.ID)
	return nil
}

// classify maps a database error onto the error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "23505":
			return errs.Wrapf(errs.ErrConstraintViolation, "%s: %s", op, pgErr.Message)
		case "22P02", "22003":
			return errs.Wrapf(errs.ErrValidation, "%s: %s", op, pgErr.Message)
		}
	}
	return errs.Unavailable(err, op)
}

// keyParam converts a key to the value bound for the key column.
func keyParam(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// rangeParams converts inclusive bounds to key column values. Daily bounds
// are narrowed to the whole days inside [from, to].
func rangeParams(g types.Granularity, from, to time.Time) (time.Time, time.Time) {
	from, to = from.UTC(), to.UTC()
	if g != types.Daily {
		return from, to
	}
	day := 24 * time.Hour
	lo := from.Truncate(day)
	if lo.Before(from) {
		lo = lo.Add(day)
	}
	return lo, to.Truncate(day)
}

// Upsert writes a batch under a conflict policy in one transaction. The
// stored keys of the batch are locked first so concurrent writers of the
// same keys serialize.
func (s *Store) Upsert(ctx context.Context, id types.SeriesID, batch []types.Record, policy types.ConflictPolicy) (types.UpsertResult, error) {
	res := types.UpsertResult{BatchID: uuid.NewString(), Series: id}

	entry, err := registry.Resolve(id)
	if err != nil {
		return res, err
	}
	id, res.Series = entry.ID, entry.ID
	if err := validation.ValidateRecords(batch, entry); err != nil {
		return res, err
	}
	if len(batch) == 0 {
		return res, nil
	}
	if err := s.ensureTable(ctx, entry); err != nil {
		return res, err
	}

	start := time.Now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, classify(err, "begin")
	}
	defer tx.Rollback(ctx)

	keys := make([]time.Time, len(batch))
	for i, r := range batch {
		keys[i] = keyParam(r.TimestampMs)
	}
	existing, err := lockedKeys(ctx, tx, s.schema, entry, keys)
	if err != nil {
		return res, err
	}

	apply, err := resolve(entry, existing, batch, policy, &res)
	if err != nil {
		return types.UpsertResult{BatchID: res.BatchID, Series: id}, err
	}

	conflicts, err := s.write(ctx, tx, entry, apply, policy, existing, &res)
	if err != nil {
		return types.UpsertResult{BatchID: res.BatchID, Series: id}, err
	}
	if len(conflicts) > 0 {
		// Keys inserted by a concurrent writer after the lock was taken.
		if policy == types.Fail {
			be := &errs.BatchError{Series: string(id)}
			for _, ms := range conflicts {
				be.Add(entry.Granularity.FormatKey(ms), "", errs.ErrKeyExists)
			}
			return types.UpsertResult{BatchID: res.BatchID, Series: id}, be.Err()
		}
		for _, ms := range conflicts {
			res.Inserted--
			res.Rejected++
			res.Rejections = append(res.Rejections, &errs.KeyError{
				Key: entry.Granularity.FormatKey(ms),
				Err: errs.ErrKeyExists,
			})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.UpsertResult{BatchID: res.BatchID, Series: id}, classify(err, "commit")
	}

	s.log.Debug("batch committed",
		"series", id,
		"batch_id", res.BatchID,
		"policy", policy,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"rejected", res.Rejected,
		"duration", time.Since(start))

	return res, nil
}

func lockedKeys(ctx context.Context, tx pgx.Tx, schema string, entry registry.Entry, keys []time.Time) (map[int64]bool, error) {
	rows, err := tx.Query(ctx, lockSQL(schema, entry), keys)
	if err != nil {
		return nil, classify(err, "lock keys")
	}
	defer rows.Close()

	existing := make(map[int64]bool)
	for rows.Next() {
		var k time.Time
		if err := rows.Scan(&k); err != nil {
			return nil, classify(err, "scan key")
		}
		existing[k.UnixMilli()] = true
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "lock keys")
	}
	return existing, nil
}

// resolve classifies each record against the locked keys and returns the
// records to write.
func resolve(entry registry.Entry, existing map[int64]bool, batch []types.Record, policy types.ConflictPolicy, res *types.UpsertResult) ([]types.Record, error) {
	apply := make([]types.Record, 0, len(batch))
	conflicts := &errs.BatchError{Series: string(entry.ID)}

	for _, r := range batch {
		if !existing[r.TimestampMs] {
			res.Inserted++
			apply = append(apply, r)
			continue
		}
		switch policy {
		case types.Skip:
			res.Rejected++
			res.Rejections = append(res.Rejections, &errs.KeyError{
				Key: entry.Granularity.FormatKey(r.TimestampMs),
				Err: errs.ErrKeyExists,
			})
		case types.Fail:
			conflicts.Add(entry.Granularity.FormatKey(r.TimestampMs), "", errs.ErrKeyExists)
		default:
			res.Updated++
			apply = append(apply, r)
		}
	}

	if err := conflicts.Err(); err != nil {
		res.Inserted, res.Updated, res.Rejected = 0, 0, 0
		return nil, err
	}
	return apply, nil
}

// write sends the records as one pgx.Batch. It returns the keys that hit a
// conflict under Skip or Fail. Under Overwrite a key inserted concurrently
// since the lock is counted as updated.
func (s *Store) write(ctx context.Context, tx pgx.Tx, entry registry.Entry, recs []types.Record, policy types.ConflictPolicy, existing map[int64]bool, res *types.UpsertResult) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	overwrite := policy == types.Overwrite
	query := insertSQL(s.schema, entry, overwrite)
	fields := entry.Schema.Fields()

	batch := &pgx.Batch{}
	for _, r := range recs {
		args := make([]any, 0, len(fields)+1)
		args = append(args, keyParam(r.TimestampMs))
		for _, f := range fields {
			args = append(args, r.Get(f))
		}
		batch.Queue(query, args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	var conflicts []int64
	for _, r := range recs {
		if overwrite {
			var inserted bool
			if err := results.QueryRow().Scan(&inserted); err != nil {
				return nil, classify(err, "insert")
			}
			if !inserted && !existing[r.TimestampMs] {
				res.Inserted--
				res.Updated++
			}
			continue
		}
		ct, err := results.Exec()
		if err != nil {
			return nil, classify(err, "insert")
		}
		if ct.RowsAffected() == 0 {
			conflicts = append(conflicts, r.TimestampMs)
		}
	}
	return conflicts, nil
}

// scanRecord reads one row selected with columnList.
func scanRecord(row pgx.Row, entry registry.Entry) (types.Record, error) {
	var key time.Time
	fields := entry.Schema.Fields()
	vals := make([]*float64, len(fields))

	dest := make([]any, 0, len(fields)+1)
	dest = append(dest, &key)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return types.Record{}, err
	}

	rec := types.Record{TimestampMs: key.UnixMilli()}
	for i, f := range fields {
		rec.Set(f, vals[i])
	}
	return rec, nil
}

// Scan returns the records of a series with keys in [from, to], ascending.
// The query runs each time the sequence is iterated and sees one
// statement snapshot.
func (s *Store) Scan(ctx context.Context, id types.SeriesID, from, to time.Time) (iter.Seq2[types.Record, error], error) {
	entry, err := registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx, entry); err != nil {
		return nil, err
	}
	lo, hi := rangeParams(entry.Granularity, from, to)

	return func(yield func(types.Record, error) bool) {
		if lo.After(hi) {
			return
		}
		rows, err := s.pool.Query(ctx, rangeSQL(s.schema, entry), lo, hi)
		if err != nil {
			yield(types.Record{}, classify(err, "scan"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows, entry)
			if err != nil {
				yield(types.Record{}, classify(err, "scan"))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(types.Record{}, classify(err, "scan"))
		}
	}, nil
}

// Latest returns the record with the greatest key.
func (s *Store) Latest(ctx context.Context, id types.SeriesID) (types.Record, bool, error) {
	entry, err := registry.Resolve(id)
	if err != nil {
		return types.Record{}, false, err
	}
	if err := s.ensureTable(ctx, entry); err != nil {
		return types.Record{}, false, err
	}

	rec, err := scanRecord(s.pool.QueryRow(ctx, latestSQL(s.schema, entry)), entry)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, classify(err, "latest")
	}
	return rec, true, nil
}

// EnsurePartition makes sure the table of a series exists and returns the
// chunk bounds for key. TimescaleDB creates the chunk itself on first
// insert.
func (s *Store) EnsurePartition(ctx context.Context, id types.SeriesID, key time.Time) (types.PartitionHandle, error) {
	entry, err := registry.Resolve(id)
	if err != nil {
		return types.PartitionHandle{}, err
	}
	if err := s.ensureTable(ctx, entry); err != nil {
		return types.PartitionHandle{}, err
	}
	start := entry.Granularity.ChunkStart(key)
	return types.PartitionHandle{
		Series: id,
		Start:  start,
		End:    entry.Granularity.ChunkEnd(start),
	}, nil
}

// EvictBefore removes every key strictly before cutoff in one transaction:
// whole chunks go through drop_chunks, the boundary chunk through DELETE.
func (s *Store) EvictBefore(ctx context.Context, id types.SeriesID, cutoff time.Time) (types.EvictResult, error) {
	res := types.EvictResult{Series: id, Cutoff: cutoff.UTC()}
	entry, err := registry.Resolve(id)
	if err != nil {
		return res, err
	}
	if err := s.ensureTable(ctx, entry); err != nil {
		return res, err
	}

	tbl := table(s.schema, entry.ID)
	key := ident(entry.Granularity.KeyColumn())
	typ := keyType(entry.Granularity)
	bound := cutoff.UTC()
	if entry.Granularity == types.Daily {
		// A date key d is before cutoff when d < cutoff, i.e. d < ceil(cutoff).
		bound, _ = rangeParams(entry.Granularity, cutoff, cutoff)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, classify(err, "begin")
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE %s < $1::%s", tbl, key, typ), bound,
	).Scan(&res.RecordsRemoved); err != nil {
		return res, classify(err, "count evicted")
	}
	if res.RecordsRemoved == 0 {
		return res, nil
	}

	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT drop_chunks($1::text::regclass, older_than => $2::%s)", typ), tbl, bound)
	if err != nil {
		return res, classify(err, "drop chunks")
	}
	for rows.Next() {
		res.ChunksDropped++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, classify(err, "drop chunks")
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < $1::%s", tbl, key, typ), bound); err != nil {
		return res, classify(err, "delete")
	}
	if err := tx.Commit(ctx); err != nil {
		return types.EvictResult{Series: id, Cutoff: res.Cutoff}, classify(err, "commit")
	}

	s.log.Info("evicted",
		"series", id,
		"cutoff", res.Cutoff,
		"chunks_dropped", res.ChunksDropped,
		"records_removed", res.RecordsRemoved)
	return res, nil
}
