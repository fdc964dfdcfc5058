// Package engine wires the identifier, type, chunk-store, descriptor,
// schema, insertion, and SQL-gate subsystems into the six public operations
// a staging compartment exposes. It owns no lifecycle over the underlying
// *sql.DB — opening and removing the file is the collaborator's job — and
// documents single-writer, serialized-per-compartment use, grounded on the
// teacher's own Toolbox-as-thin-orchestrator shape.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jsonstage/jsonstage/internal/chunkstore"
	"github.com/jsonstage/jsonstage/internal/descriptor"
	"github.com/jsonstage/jsonstage/internal/identifier"
	"github.com/jsonstage/jsonstage/internal/insert"
	"github.com/jsonstage/jsonstage/internal/introspect"
	"github.com/jsonstage/jsonstage/internal/log"
	"github.com/jsonstage/jsonstage/internal/schema"
	"github.com/jsonstage/jsonstage/internal/sqlgate"
	"github.com/jsonstage/jsonstage/internal/util"
)

// Engine is the staging engine bound to one compartment's *sql.DB.
//
// Engine is not safe for concurrent use by multiple goroutines against the
// same compartment — callers serialize at the compartment granularity
// (§5). New sets the handle's pool to a single connection to make that
// requirement structural rather than advisory.
type Engine struct {
	db     *sql.DB
	cfg    Config
	logger log.Logger
	chunks *chunkstore.Store
	desc   *descriptor.TypeGraph
}

// New wraps an already-open compartment handle. db's connection pool is
// pinned to one connection: a staging compartment is single-writer by
// design (§5), and SAVEPOINT-scoped recovery (§4.6) requires every
// statement in an operation to share one connection.
func New(db *sql.DB, cfg Config) *Engine {
	cfg = withDefaults(cfg)
	db.SetMaxOpenConns(1)

	logger, err := log.NewLogger(cfg.LogFormat, cfg.LogLevel, nopWriter{}, nopWriter{})
	if err != nil {
		logger = log.NewNopLogger()
	}

	identifier.AddReservedWords(cfg.ExtraReservedWords)
	identifier.AddSynonyms(cfg.ExtraSynonyms)

	e := &Engine{
		db:     db,
		cfg:    cfg,
		logger: logger,
		chunks: chunkstore.NewWithThresholds(db, cfg.Compress, cfg.ChunkThreshold, cfg.ChunkSize, cfg.CompressMin, logger),
	}

	if cfg.SchemaDescriptor != "" {
		g, err := descriptor.Parse(cfg.SchemaDescriptor)
		if err != nil {
			logger.WarnContext(context.Background(), "schema descriptor failed to parse, degrading to structural inference", "err", err)
		} else {
			e.desc = g
		}
	}

	return e
}

// SetLogger swaps the engine's logger, primarily for test harnesses and the
// CLI, which both want to route logs somewhere other than New's default
// writers.
func (e *Engine) SetLogger(logger log.Logger) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e.logger = logger
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// StageResult is stage()'s response shape (§6.1).
type StageResult struct {
	Success    bool                    `json:"success"`
	Message    string                  `json:"message"`
	Schemas    map[string]TableSummary `json:"schemas"`
	TableCount int                     `json:"table_count"`
	TotalRows  int                     `json:"total_rows"`
	Pagination *Pagination             `json:"pagination,omitempty"`
}

// TableSummary is one entry of stage()'s schemas map.
type TableSummary struct {
	Columns    []string         `json:"columns"`
	RowCount   int              `json:"row_count"`
	SampleData []map[string]any `json:"sample_data"`
}

// Pagination is lifted from a graph-query response's page-info child when
// present and hasNextPage is true (§6).
type Pagination struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	CurrentCount    int    `json:"currentCount"`
	TotalCount      int    `json:"totalCount"`
	EndCursor       string `json:"endCursor"`
	StartCursor     string `json:"startCursor"`
	Suggestion      string `json:"suggestion,omitempty"`
}

// Stage decodes payload, infers a relational layout, and materialises it
// into the compartment (C5 then C6). A single top-level "data" key is
// unwrapped once before inference, per §6's pagination/unwrap contract.
func (e *Engine) Stage(ctx context.Context, payload []byte) (StageResult, error) {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return StageResult{Success: false, Message: fmt.Sprintf("payload is not valid JSON: %v", err)}, nil
	}

	decoded, pagination := unwrapEnvelope(decoded)

	if err := e.chunks.EnsureSchema(ctx); err != nil {
		return StageResult{Success: false, Message: err.Error()}, nil
	}

	sch, err := schema.Infer(decoded, e.desc)
	if err != nil {
		return StageResult{Success: false, Message: err.Error()}, nil
	}

	result, err := insert.Insert(ctx, e.db, sch, decoded, e.desc, e.chunks, e.logger)
	if err != nil {
		if cat, ok := util.Category(err); ok && cat == util.CategoryStaging {
			return StageResult{Success: false, Message: err.Error()}, nil
		}
		return StageResult{}, err
	}

	schemas := make(map[string]TableSummary, len(sch.Tables))
	totalRows := 0
	for name, table := range sch.Tables {
		cols := make([]string, len(table.Columns))
		for i, c := range table.Columns {
			cols[i] = c.Name
		}
		rowCount := result.RowsInserted[name]
		totalRows += rowCount
		schemas[name] = TableSummary{
			Columns:    cols,
			RowCount:   rowCount,
			SampleData: capSampleRows(table.SampleRows, e.cfg.SampleRowCount),
		}
	}
	for name := range sch.Junctions {
		rowCount := result.RowsInserted[name]
		totalRows += rowCount
		schemas[name] = TableSummary{RowCount: rowCount}
	}

	e.logger.InfoContext(ctx, "staging complete", "tables", len(sch.Tables), "junctions", len(sch.Junctions), "total_rows", totalRows, "row_errors", len(result.RowErrors))

	message := "staged successfully"
	if len(result.RowErrors) > 0 {
		message = fmt.Sprintf("staged with %d row error(s)", len(result.RowErrors))
	}

	return StageResult{
		Success:    true,
		Message:    message,
		Schemas:    schemas,
		TableCount: len(schemas),
		TotalRows:  totalRows,
		Pagination: pagination,
	}, nil
}

// unwrapEnvelope unwraps a single top-level "data" key, and lifts a
// page-info child's pagination fields when present and hasNextPage is true.
func unwrapEnvelope(payload any) (any, *Pagination) {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload, nil
	}

	var pagination *Pagination
	if pi, ok := findPageInfo(m); ok {
		if hasNext, _ := pi["hasNextPage"].(bool); hasNext {
			pagination = &Pagination{
				HasNextPage:     hasNext,
				HasPreviousPage: boolField(pi, "hasPreviousPage"),
				CurrentCount:    intField(pi, "currentCount"),
				TotalCount:      intField(pi, "totalCount"),
				EndCursor:       stringField(pi, "endCursor"),
				StartCursor:     stringField(pi, "startCursor"),
				Suggestion:      stringField(pi, "suggestion"),
			}
		}
	}

	if len(m) == 1 {
		if inner, ok := m["data"]; ok {
			return inner, pagination
		}
	}
	return m, pagination
}

func findPageInfo(m map[string]any) (map[string]any, bool) {
	if pi, ok := m["pageInfo"].(map[string]any); ok {
		return pi, true
	}
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			if pi, ok := findPageInfo(nested); ok {
				return pi, true
			}
		}
	}
	return nil, false
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func capSampleRows(rows []map[string]any, n int) []map[string]any {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	return rows[:n]
}

// QueryResult is query()'s response shape on success (§6.2).
type QueryResult struct {
	Success                bool             `json:"success"`
	Results                []map[string]any `json:"results"`
	RowCount               int              `json:"row_count"`
	ColumnNames            []string         `json:"column_names"`
	QueryType              string           `json:"query_type"`
	ChunkedContentResolved bool             `json:"chunked_content_resolved"`
}

// QueryError is query()'s response shape on rejection (§6.2).
type QueryError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Query   string `json:"query"`
}

// Query validates and runs sql against the compartment, reconstituting any
// chunked cells (C7).
func (e *Engine) Query(ctx context.Context, sqlText string) (QueryResult, error) {
	result, err := sqlgate.Execute(ctx, e.db, e.chunks, sqlText)
	if err != nil {
		return QueryResult{}, &queryFailure{query: sqlText, err: err}
	}
	return QueryResult{
		Success:                true,
		Results:                result.Rows,
		RowCount:               result.RowCount,
		ColumnNames:            result.Columns,
		QueryType:              string(result.QueryType),
		ChunkedContentResolved: result.ChunkedContentResolved,
	}, nil
}

// queryFailure carries the rejected/failed query alongside the underlying
// categorized error, so a caller can render QueryError{success:false, ...}
// without Query itself needing two return shapes.
type queryFailure struct {
	query string
	err   error
}

func (f *queryFailure) Error() string { return f.err.Error() }
func (f *queryFailure) Unwrap() error { return f.err }

// AsQueryError converts an error returned by Query into the wire shape
// §6.2 specifies for a rejected or failed query.
func AsQueryError(query string, err error) QueryError {
	if f, ok := err.(*queryFailure); ok {
		return QueryError{Success: false, Error: f.err.Error(), Query: f.query}
	}
	return QueryError{Success: false, Error: err.Error(), Query: query}
}

// IntrospectResult is introspect()'s response shape (§6.3).
type IntrospectResult struct {
	Success    bool       `json:"success"`
	SchemaInfo SchemaInfo `json:"schema_info"`
}

type SchemaInfo struct {
	DatabaseSummary DatabaseSummary           `json:"database_summary"`
	Tables          map[string]IntrospectedTable `json:"tables"`
}

type DatabaseSummary struct {
	TableCount int `json:"table_count"`
}

type IntrospectedTable struct {
	Type        string                      `json:"type"`
	RowCount    int64                       `json:"row_count"`
	Columns     []introspect.ColumnInfo     `json:"columns"`
	ForeignKeys []introspect.ForeignKeyInfo `json:"foreign_keys"`
	Indexes     []introspect.IndexInfo      `json:"indexes"`
	SampleData  []map[string]any            `json:"sample_data"`
	Error       string                      `json:"error,omitempty"`
}

// Introspect summarises every table/view currently in the compartment (C8).
func (e *Engine) Introspect(ctx context.Context) (IntrospectResult, error) {
	raw, err := introspect.Introspect(ctx, e.db)
	if err != nil {
		return IntrospectResult{}, err
	}

	tables := make(map[string]IntrospectedTable, len(raw.Tables))
	for _, t := range raw.Tables {
		tables[t.Name] = IntrospectedTable{
			Type:        t.Type,
			RowCount:    t.RowCount,
			Columns:     t.Columns,
			ForeignKeys: t.ForeignKeys,
			Indexes:     t.Indexes,
			SampleData:  capSampleRows(t.SampleRows, e.cfg.SampleRowCount),
			Error:       t.Error,
		}
	}

	return IntrospectResult{
		Success: true,
		SchemaInfo: SchemaInfo{
			DatabaseSummary: DatabaseSummary{TableCount: len(raw.Tables)},
			Tables:          tables,
		},
	}, nil
}

// ColumnsResult is table_columns()'s response shape (§6.4).
type ColumnsResult struct {
	Success bool                    `json:"success"`
	Table   string                  `json:"table"`
	Columns []introspect.ColumnInfo `json:"columns"`
}

// TableColumns reports one table's columns.
func (e *Engine) TableColumns(ctx context.Context, table string) (ColumnsResult, error) {
	raw, err := introspect.TableColumns(ctx, e.db, table)
	if err != nil {
		return ColumnsResult{}, err
	}
	return ColumnsResult{Success: true, Table: raw.Table, Columns: raw.Columns}, nil
}

// ChunkingStatsResult is chunking_stats()'s response shape (§6.5).
type ChunkingStatsResult struct {
	Metadata         chunkstore.MetadataStats `json:"metadata"`
	Chunks           chunkstore.ChunkStats    `json:"chunks"`
	CompressionRatio float64                  `json:"compression_ratio"`
}

// ChunkingStats summarises the chunk store.
func (e *Engine) ChunkingStats(ctx context.Context) (ChunkingStatsResult, error) {
	stats, err := e.chunks.Stats(ctx)
	if err != nil {
		return ChunkingStatsResult{}, err
	}
	return ChunkingStatsResult{
		Metadata:         stats.Metadata,
		Chunks:           stats.Chunks,
		CompressionRatio: stats.CompressionRatio,
	}, nil
}

// DeleteAll truncates every table the engine created — user tables plus the
// chunk store's two system tables — rather than removing the underlying
// file, which stays the collaborator's concern (§3).
func (e *Engine) DeleteAll(ctx context.Context) error {
	raw, err := introspect.Introspect(ctx, e.db)
	if err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return util.NewExecutionError("unable to begin delete-all transaction", err)
	}
	defer tx.Rollback()

	for _, t := range raw.Tables {
		if t.Type != "table" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteTable(t.Name)); err != nil {
			return util.NewExecutionError(fmt.Sprintf("unable to clear table %s", t.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return util.NewExecutionError("unable to commit delete-all transaction", err)
	}
	e.logger.InfoContext(ctx, "compartment reset", "tables_cleared", len(raw.Tables))
	return nil
}

func quoteTable(name string) string {
	return `"` + name + `"`
}
