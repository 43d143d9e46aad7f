package timescale

import (
	"context"

	"github.com/xtxerr/barstore/internal/storage/query"
)

// Execute runs an ad-hoc SQL statement against the database. Series tables
// live in the configured schema.
func (s *Store) Execute(ctx context.Context, q string) (query.SQLResult, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return query.SQLResult{}, classify(err, "sql")
	}
	defer rows.Close()

	var res query.SQLResult
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return res, classify(err, "sql")
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return res, classify(err, "sql")
	}
	return res, nil
}
