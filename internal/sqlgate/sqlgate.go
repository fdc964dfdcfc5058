// Package sqlgate gates inbound SQL to a read-only, analytics-shaped subset
// and reconstitutes chunk-store references in result cells (C7). Execution
// and row scanning follow the teacher's sqlite tool: scan into a pointer
// slice of `any`, then sniff each string cell for embedded JSON.
package sqlgate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jsonstage/jsonstage/internal/chunkstore"
	"github.com/jsonstage/jsonstage/internal/util"
)

// QueryType labels the shape of an accepted statement.
type QueryType string

const (
	QuerySelect     QueryType = "select"
	QueryCTE        QueryType = "cte"
	QueryPragma     QueryType = "pragma"
	QueryExplain    QueryType = "explain"
	QueryCreateTemp QueryType = "create_temp"
)

// Reconstitution sentinels for a chunk token a query can't resolve (§7).
// notFoundSentinelFmt fires when no chunk metadata exists for the token;
// errorSentinelFmt fires for any other retrieval or corruption failure,
// including an unwired chunk store.
const (
	notFoundSentinelFmt = "[CHUNKED_CONTENT_NOT_FOUND:%s]"
	errorSentinelFmt    = "[CHUNKED_CONTENT_ERROR:%s]"
)

// Result is one executed query's output.
type Result struct {
	QueryType              QueryType
	Columns                []string
	Rows                   []map[string]any
	RowCount               int
	ChunkedContentResolved bool
}

// allowPrefixes is checked, in order, against the lowercased trimmed
// statement. The first match wins and fixes the statement's QueryType.
var allowPrefixes = []struct {
	prefix string
	qt     QueryType
}{
	{"with", QueryCTE},
	{"select", QuerySelect},
	{"explain", QueryExplain},
	{"pragma", QueryPragma},
	{"create temporary table", QueryCreateTemp},
	{"create temp table", QueryCreateTemp},
	{"create temporary view", QueryCreateTemp},
	{"create temp view", QueryCreateTemp},
	{"create view", QueryCreateTemp},
	{"drop view", QueryCreateTemp},
	{"drop temporary table", QueryCreateTemp},
	{"drop temp table", QueryCreateTemp},
}

// denyPatterns reject a statement outright even when its leading keyword
// passed allowPrefixes — this catches a mutating clause smuggled in after a
// semicolon or inside a CTE body. None of these need negative lookahead:
// every allowed table spelling has "temp"/"temporary" between the verb and
// "table", and no pattern below mentions "view", so the bare two-word
// patterns below never match a legitimate statement.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\bupdate\s+\S+\s+set\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\balter\s+table\b`),
	regexp.MustCompile(`(?i)\bcreate\s+table\b`),
	regexp.MustCompile(`(?i)\battach\s+database\b`),
	regexp.MustCompile(`(?i)\bdetach\s+database\b`),
}

// Validate reports whether query is an allowed analytic-SQL statement and,
// if so, labels its QueryType.
func Validate(query string) (QueryType, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return "", util.NewValidationError("empty statement", nil)
	}
	lower := strings.ToLower(trimmed)

	qt, ok := classify(lower)
	if !ok {
		return "", util.NewValidationError(fmt.Sprintf("statement type not permitted: %q", firstWord(trimmed)), nil)
	}

	if qt == QueryPragma && strings.Contains(lower, "=") {
		return "", util.NewValidationError("PRAGMA statements that assign a value are not permitted", nil)
	}

	for _, pat := range denyPatterns {
		if pat.MatchString(lower) {
			return "", util.NewValidationError("statement contains a disallowed clause", nil)
		}
	}
	return qt, nil
}

func classify(lower string) (QueryType, bool) {
	for _, p := range allowPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.qt, true
		}
	}
	return "", false
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}

// Execute validates and runs query, reconstituting any chunk-store
// references found in result cells. chunks may be nil if no chunk store is
// wired, in which case chunk tokens resolve to a sentinel instead of an
// error.
func Execute(ctx context.Context, db *sql.DB, chunks *chunkstore.Store, query string) (*Result, error) {
	qt, err := Validate(query)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, util.NewExecutionError("unable to execute query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, util.NewExecutionError("unable to read result columns", err)
	}

	rawValues := make([]any, len(cols))
	values := make([]any, len(cols))
	for i := range rawValues {
		values[i] = &rawValues[i]
	}

	result := &Result{QueryType: qt, Columns: cols}
	var scanned [][]any
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return nil, util.NewExecutionError("unable to scan result row", err)
		}
		scanned = append(scanned, append([]any(nil), rawValues...))
	}
	if err := rows.Err(); err != nil {
		return nil, util.NewExecutionError("error iterating result rows", err)
	}
	// Chunk lookups need a connection of their own; release the result set
	// first, since the pool may hold only one.
	rows.Close()
	for _, vals := range scanned {
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = resolveCell(ctx, chunks, vals[i], result)
		}
		result.Rows = append(result.Rows, row)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// resolveCell mirrors the teacher's sqlite tool cell handling (sniff every
// string cell for embedded JSON), adding chunk-reference reconstitution in
// front of it.
func resolveCell(ctx context.Context, chunks *chunkstore.Store, val any, result *Result) any {
	if val == nil {
		return nil
	}
	str, ok := val.(string)
	if !ok {
		return val
	}

	if chunkstore.IsToken(str) {
		contentID := strings.TrimPrefix(str, chunkstore.TokenPrefix)
		if chunks == nil {
			return fmt.Sprintf(errorSentinelFmt, "chunk store not available")
		}
		content, err := chunks.Get(ctx, str)
		if err != nil {
			if chunkstore.IsNotFound(err) {
				return fmt.Sprintf(notFoundSentinelFmt, contentID)
			}
			return fmt.Sprintf(errorSentinelFmt, err)
		}
		result.ChunkedContentResolved = true
		str = content
	}

	var unmarshaled any
	if json.Unmarshal([]byte(str), &unmarshaled) == nil {
		return unmarshaled
	}
	return str
}
