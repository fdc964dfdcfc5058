package sqlgate

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonstage/jsonstage/internal/chunkstore"
	"github.com/jsonstage/jsonstage/internal/log"
)

func TestValidateAllowsAnalyticShapes(t *testing.T) {
	cases := map[string]QueryType{
		"SELECT * FROM target":                      QuerySelect,
		"with x as (select 1) select * from x":       QueryCTE,
		"PRAGMA table_info(target)":                  QueryPragma,
		"EXPLAIN SELECT * FROM target":                QueryExplain,
		"CREATE TEMP TABLE t AS SELECT 1":             QueryCreateTemp,
		"CREATE TEMPORARY VIEW v AS SELECT 1":         QueryCreateTemp,
		"DROP VIEW v":                                 QueryCreateTemp,
	}
	for q, want := range cases {
		got, err := Validate(q)
		require.NoError(t, err, q)
		assert.Equal(t, want, got, q)
	}
}

func TestValidateRejectsMutatingStatements(t *testing.T) {
	cases := []string{
		"DELETE FROM target",
		"UPDATE target SET name = 'x'",
		"INSERT INTO target (name) VALUES ('x')",
		"DROP TABLE target",
		"ALTER TABLE target ADD COLUMN x TEXT",
		"CREATE TABLE t (x TEXT)",
		"ATTACH DATABASE 'x.db' AS other",
		"PRAGMA journal_mode=WAL",
		"UPDATE target SET name='x'; SELECT 1",
	}
	for _, q := range cases {
		_, err := Validate(q)
		assert.Error(t, err, q)
	}
}

func TestExecuteScansRows(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE target (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO target VALUES ('T1', 'BRCA2')`)
	require.NoError(t, err)

	result, err := Execute(ctx, db, nil, `SELECT * FROM target`)
	require.NoError(t, err)
	assert.Equal(t, QuerySelect, result.QueryType)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "BRCA2", result.Rows[0]["name"])
	assert.Equal(t, 1, result.RowCount)
}

func TestExecuteResolvesChunkToken(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO t VALUES ('__CHUNKED__:missing')`)
	require.NoError(t, err)

	result, err := Execute(ctx, db, nil, `SELECT v FROM t`)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf(errorSentinelFmt, "chunk store not available"), result.Rows[0]["v"])
	assert.False(t, result.ChunkedContentResolved)
}

func TestExecuteResolvesMissingChunkMetadata(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := chunkstore.New(db, false, log.NewNopLogger())
	require.NoError(t, store.EnsureSchema(ctx))

	_, err = db.ExecContext(ctx, `CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)
	token := chunkstore.TokenPrefix + "chunk_doesnotexist"
	_, err = db.ExecContext(ctx, `INSERT INTO t VALUES (?)`, token)
	require.NoError(t, err)

	result, err := Execute(ctx, db, store, `SELECT v FROM t`)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf(notFoundSentinelFmt, "chunk_doesnotexist"), result.Rows[0]["v"])
	assert.False(t, result.ChunkedContentResolved)
}

func TestExecuteResolvesCorruptChunkSet(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := chunkstore.New(db, false, log.NewNopLogger())
	require.NoError(t, store.EnsureSchema(ctx))

	contentID := "chunk_corrupt"
	_, err = db.ExecContext(ctx,
		`INSERT INTO chunk_metadata(content_id, total_chunks, original_size, content_type, compressed) VALUES (?, ?, ?, ?, ?)`,
		contentID, 3, 100, "text", 0)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO content_chunks(content_id, chunk_index, chunk_data, chunk_size) VALUES (?, ?, ?, ?)`,
		contentID, 0, []byte("only one chunk"), 14)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)
	token := chunkstore.TokenPrefix + contentID
	_, err = db.ExecContext(ctx, `INSERT INTO t VALUES (?)`, token)
	require.NoError(t, err)

	result, err := Execute(ctx, db, store, `SELECT v FROM t`)
	require.NoError(t, err)
	got, ok := result.Rows[0]["v"].(string)
	require.True(t, ok)
	assert.Contains(t, got, "[CHUNKED_CONTENT_ERROR:")
	assert.False(t, result.ChunkedContentResolved)
}
