// Package introspect reads a staging compartment's own catalog back out —
// tables, columns, indexes, foreign keys, row counts, and a few sample rows
// per table (C8). It never touches the chunk store directly: chunk tokens
// in sample rows are left as opaque strings, matching the raw columns
// surfaced by table_columns().
package introspect

import (
	"context"
	"database/sql"

	"github.com/jsonstage/jsonstage/internal/util"
)

// ColumnInfo mirrors one row of PRAGMA table_info.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	NotNull      bool   `json:"not_null"`
	DefaultValue any    `json:"default_value"`
	PrimaryKey   bool   `json:"primary_key"`
}

// IndexInfo mirrors one row of PRAGMA index_list plus its column list.
type IndexInfo struct {
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Columns []string `json:"columns"`
}

// ForeignKeyInfo mirrors one row of PRAGMA foreign_key_list.
type ForeignKeyInfo struct {
	Table    string `json:"table"`
	From     string `json:"from"`
	To       string `json:"to"`
	OnUpdate string `json:"on_update"`
	OnDelete string `json:"on_delete"`
}

// TableInfo is one table or view's full introspected shape.
type TableInfo struct {
	Name        string           `json:"name"`
	Type        string           `json:"type"` // "table" or "view"
	RowCount    int64            `json:"row_count"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
	SampleRows  []map[string]any `json:"sample_rows"`
	Error       string           `json:"error,omitempty"`
}

// Result is the full compartment introspection (introspect()).
type Result struct {
	Tables []TableInfo `json:"tables"`
}

// ColumnsResult is the reply to table_columns().
type ColumnsResult struct {
	Table   string       `json:"table"`
	Columns []ColumnInfo `json:"columns"`
}

const sampleRowLimit = 3

// Introspect enumerates every user table and view in db and describes each
// one. A failure introspecting a single table is recorded on that table's
// Error field rather than aborting the whole call — introspection is
// best-effort per table (§4.8).
func Introspect(ctx context.Context, db *sql.DB) (*Result, error) {
	names, err := listRelations(ctx, db)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, rel := range names {
		info := TableInfo{Name: rel.name, Type: rel.kind}
		if err := describeTable(ctx, db, &info); err != nil {
			info.Error = err.Error()
		}
		result.Tables = append(result.Tables, info)
	}
	return result, nil
}

// TableColumns reports the columns for one table (table_columns()).
func TableColumns(ctx context.Context, db *sql.DB, table string) (*ColumnsResult, error) {
	cols, err := readColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	return &ColumnsResult{Table: table, Columns: cols}, nil
}

type relation struct {
	name string
	kind string
}

func listRelations(ctx context.Context, db *sql.DB) ([]relation, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, type FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, util.NewExecutionError("unable to list tables", err)
	}
	defer rows.Close()

	var out []relation
	for rows.Next() {
		var r relation
		if err := rows.Scan(&r.name, &r.kind); err != nil {
			return nil, util.NewExecutionError("unable to scan sqlite_master row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func describeTable(ctx context.Context, db *sql.DB, info *TableInfo) error {
	cols, err := readColumns(ctx, db, info.Name)
	if err != nil {
		return err
	}
	info.Columns = cols

	idx, err := readIndexes(ctx, db, info.Name)
	if err != nil {
		return err
	}
	info.Indexes = idx

	fks, err := readForeignKeys(ctx, db, info.Name)
	if err != nil {
		return err
	}
	info.ForeignKeys = fks

	count, err := rowCount(ctx, db, info.Name)
	if err != nil {
		return err
	}
	info.RowCount = count

	sample, err := sampleRows(ctx, db, info.Name, cols)
	if err != nil {
		return err
	}
	info.SampleRows = sample

	return nil
}

func readColumns(ctx context.Context, db *sql.DB, table string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(`+quoteIdent(table)+`)`)
	if err != nil {
		return nil, util.NewExecutionError("unable to read table_info for "+table, err)
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, util.NewExecutionError("unable to scan table_info row", err)
		}
		out = append(out, ColumnInfo{
			Name:         name,
			Type:         ctype,
			NotNull:      notNull != 0,
			DefaultValue: nullableString(dflt),
			PrimaryKey:   pk != 0,
		})
	}
	return out, rows.Err()
}

func readIndexes(ctx context.Context, db *sql.DB, table string) ([]IndexInfo, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA index_list(`+quoteIdent(table)+`)`)
	if err != nil {
		return nil, util.NewExecutionError("unable to read index_list for "+table, err)
	}
	defer rows.Close()

	var out []IndexInfo
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, util.NewExecutionError("unable to scan index_list row", err)
		}
		out = append(out, IndexInfo{Name: name, Unique: unique != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Release the connection before querying index_info: the pool may hold
	// only one.
	rows.Close()
	for i := range out {
		cols, err := readIndexColumns(ctx, db, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

func readIndexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA index_info(`+quoteIdent(index)+`)`)
	if err != nil {
		return nil, util.NewExecutionError("unable to read index_info for "+index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, util.NewExecutionError("unable to scan index_info row", err)
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func readForeignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKeyInfo, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA foreign_key_list(`+quoteIdent(table)+`)`)
	if err != nil {
		return nil, util.NewExecutionError("unable to read foreign_key_list for "+table, err)
	}
	defer rows.Close()

	var out []ForeignKeyInfo
	for rows.Next() {
		var id, seq int
		var refTable, from, to, onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, util.NewExecutionError("unable to scan foreign_key_list row", err)
		}
		out = append(out, ForeignKeyInfo{Table: refTable, From: from, To: to, OnUpdate: onUpdate, OnDelete: onDelete})
	}
	return out, rows.Err()
}

func rowCount(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(table)).Scan(&count)
	if err != nil {
		return 0, util.NewExecutionError("unable to count rows in "+table, err)
	}
	return count, nil
}

func sampleRows(ctx context.Context, db *sql.DB, table string, cols []ColumnInfo) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, `SELECT * FROM `+quoteIdent(table)+` LIMIT ?`, sampleRowLimit)
	if err != nil {
		return nil, util.NewExecutionError("unable to read sample rows for "+table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, util.NewExecutionError("unable to read sample row columns for "+table, err)
	}

	rawValues := make([]any, len(names))
	values := make([]any, len(names))
	for i := range rawValues {
		values[i] = &rawValues[i]
	}

	var out []map[string]any
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return nil, util.NewExecutionError("unable to scan sample row for "+table, err)
		}
		row := make(map[string]any, len(names))
		for i, name := range names {
			row[name] = rawValues[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

// quoteIdent wraps an identifier in double quotes, doubling any embedded
// quote. Table/column names here always come from sqlite_master or
// internally generated names, never straight from query() callers, but this
// keeps PRAGMA interpolation safe regardless.
func quoteIdent(name string) string {
	escaped := ""
	for _, r := range name {
		if r == '"' {
			escaped += `""`
			continue
		}
		escaped += string(r)
	}
	return `"` + escaped + `"`
}
