package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/parquet"
	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// SQL runs ad-hoc queries with DuckDB over the checkpointed chunk files.
// Every series with at least one chunk file is exposed as a view named
// after the series. Rows still only in the write-ahead log are not
// visible until the next checkpoint.
type SQL struct {
	mu      sync.Mutex
	dataDir string
	db      *sql.DB
}

// SQLResult is a tabular query result.
type SQLResult struct {
	Columns []string
	Rows    [][]any

	// Truncated is set when rows beyond a limit were dropped.
	Truncated bool
}

// Limit keeps at most n rows. n <= 0 keeps all.
func (r *SQLResult) Limit(n int) {
	if n > 0 && len(r.Rows) > n {
		r.Rows = r.Rows[:n]
		r.Truncated = true
	}
}

// NewSQL opens an in-memory DuckDB database over dataDir.
func NewSQL(dataDir, memoryLimit string) (*SQL, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if memoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", escapeLiteral(memoryLimit)))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &SQL{dataDir: dataDir, db: db}, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Refresh recreates the per-series views from the chunk files on disk.
// It returns the series that have a view.
func (s *SQL) Refresh(ctx context.Context) ([]types.SeriesID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *SQL) refreshLocked(ctx context.Context) ([]types.SeriesID, error) {
	var out []types.SeriesID
	for _, entry := range registry.All() {
		files, err := parquet.ListChunks(s.dataDir, entry.ID, entry.Granularity)
		if err != nil {
			return out, errs.Unavailable(err, "list chunks")
		}
		if len(files) == 0 {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(string(entry.ID)))); err != nil {
				return out, fmt.Errorf("drop view %s: %w", entry.ID, err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, viewDDL(s.dataDir, entry)); err != nil {
			return out, fmt.Errorf("create view %s: %w", entry.ID, err)
		}
		out = append(out, entry.ID)
	}
	return out, nil
}

// viewDDL maps a series' chunk files to its logical columns.
func viewDDL(dataDir string, entry registry.Entry) string {
	key := "epoch_ms(timestamp_ms)"
	if entry.Granularity == types.Daily {
		key = "CAST(epoch_ms(timestamp_ms) AS DATE)"
	}
	cols := []string{fmt.Sprintf("%s AS %s", key, quoteIdent(entry.Granularity.KeyColumn()))}
	for _, f := range entry.Schema.Fields() {
		cols = append(cols, quoteIdent(string(f)))
	}
	pattern := filepath.Join(parquet.SeriesDir(dataDir, entry.ID), "*"+parquet.FileExt)

	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM read_parquet('%s') ORDER BY 1",
		quoteIdent(string(entry.ID)), strings.Join(cols, ", "), escapeLiteral(pattern))
}

// Execute refreshes the views and runs query.
func (s *SQL) Execute(ctx context.Context, query string) (SQLResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.refreshLocked(ctx); err != nil {
		return SQLResult{}, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return SQLResult{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return SQLResult{}, err
	}

	res := SQLResult{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return res, err
		}
		res.Rows = append(res.Rows, values)
	}

	return res, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
