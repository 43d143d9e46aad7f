package timescale

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xtxerr/barstore/internal/storage/registry"
	"github.com/xtxerr/barstore/internal/storage/types"
)

// table returns the quoted, schema-qualified table name of a series.
func table(schema string, id types.SeriesID) string {
	return pgx.Identifier{schema, string(id)}.Sanitize()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// keyType is the SQL type of the temporal key.
func keyType(g types.Granularity) string {
	if g == types.Daily {
		return "date"
	}
	return "timestamptz"
}

// chunkInterval is the hypertable chunk interval, matching local chunks.
func chunkInterval(g types.Granularity) string {
	if g == types.Daily {
		return "1 year"
	}
	return "1 day"
}

// createTableSQL returns the DDL of a series table. Metadata columns carry
// a strict positivity CHECK; NULL passes it.
func createTableSQL(schema string, entry registry.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table(schema, entry.ID))
	fmt.Fprintf(&b, "\t%s %s PRIMARY KEY", ident(entry.Granularity.KeyColumn()), keyType(entry.Granularity))

	for _, f := range entry.Schema.Fields() {
		fmt.Fprintf(&b, ",\n\t%s double precision", ident(string(f)))
	}
	for _, f := range entry.Positive() {
		fmt.Fprintf(&b, ",\n\tCONSTRAINT %s CHECK (%s > 0)",
			ident(string(entry.ID)+"_"+string(f)+"_positive"), ident(string(f)))
	}
	b.WriteString("\n)")
	return b.String()
}

// createHypertableSQL converts a series table to a hypertable. The table
// name is passed as a literal so it goes in $1.
func createHypertableSQL(entry registry.Entry) string {
	return fmt.Sprintf(
		"SELECT create_hypertable($1::text::regclass, %s, chunk_time_interval => INTERVAL '%s', if_not_exists => TRUE)",
		quoteLiteral(entry.Granularity.KeyColumn()), chunkInterval(entry.Granularity))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// columnList returns the key column followed by the value columns, quoted.
func columnList(entry registry.Entry) []string {
	cols := []string{ident(entry.Granularity.KeyColumn())}
	for _, f := range entry.Schema.Fields() {
		cols = append(cols, ident(string(f)))
	}
	return cols
}

// insertSQL returns the INSERT of one record. Overwrite updates every value
// column on conflict and reports whether the row was new.
func insertSQL(schema string, entry registry.Entry, overwrite bool) string {
	cols := columnList(entry)
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		table(schema, entry.ID), strings.Join(cols, ", "), strings.Join(params, ", "), cols[0])

	if !overwrite {
		b.WriteString("DO NOTHING")
		return b.String()
	}

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	fmt.Fprintf(&b, "DO UPDATE SET %s RETURNING (xmax = 0) AS inserted", strings.Join(sets, ", "))
	return b.String()
}

// lockSQL selects and locks the stored keys among $1.
func lockSQL(schema string, entry registry.Entry) string {
	key := ident(entry.Granularity.KeyColumn())
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1::%s[]) FOR UPDATE",
		key, table(schema, entry.ID), key, keyType(entry.Granularity))
}

// rangeSQL selects the records with keys in [$1, $2] in ascending order.
func rangeSQL(schema string, entry registry.Entry) string {
	key := ident(entry.Granularity.KeyColumn())
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s BETWEEN $1::%s AND $2::%s ORDER BY %s",
		strings.Join(columnList(entry), ", "), table(schema, entry.ID), key,
		keyType(entry.Granularity), keyType(entry.Granularity), key)
}

// latestSQL selects the record with the greatest key.
func latestSQL(schema string, entry registry.Entry) string {
	key := ident(entry.Granularity.KeyColumn())
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT 1",
		strings.Join(columnList(entry), ", "), table(schema, entry.ID), key)
}
