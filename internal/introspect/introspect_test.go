package introspect

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIntrospectDescribesTablesAndJunction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE target (id TEXT PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE disease (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE disease_target (
		disease_id INTEGER NOT NULL,
		target_id TEXT NOT NULL,
		PRIMARY KEY (disease_id, target_id),
		FOREIGN KEY (disease_id) REFERENCES disease(id),
		FOREIGN KEY (target_id) REFERENCES target(id)
	)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE INDEX idx_target_name ON target(name)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO target VALUES ('ENSG1', 'BRCA2')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO disease (name) VALUES ('cancer')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO disease_target VALUES (1, 'ENSG1')`)
	require.NoError(t, err)

	result, err := Introspect(ctx, db)
	require.NoError(t, err)
	require.Len(t, result.Tables, 3)

	byName := map[string]TableInfo{}
	for _, tbl := range result.Tables {
		byName[tbl.Name] = tbl
	}

	target := byName["target"]
	assert.Equal(t, "table", target.Type)
	assert.Equal(t, int64(1), target.RowCount)
	assert.Empty(t, target.Error)
	require.Len(t, target.Columns, 2)
	require.Len(t, target.SampleRows, 1)
	assert.Equal(t, "BRCA2", target.SampleRows[0]["name"])
	var nameIdx IndexInfo
	for _, idx := range target.Indexes {
		if idx.Name == "idx_target_name" {
			nameIdx = idx
		}
	}
	require.Len(t, target.Indexes, 2, "idx_target_name plus sqlite's automatic index for the TEXT primary key")
	assert.Equal(t, "idx_target_name", nameIdx.Name)
	assert.Contains(t, nameIdx.Columns, "name")

	junction := byName["disease_target"]
	require.Len(t, junction.ForeignKeys, 2)
	assert.Equal(t, int64(1), junction.RowCount)
}

func TestTableColumnsReportsDeclaredOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE target (id TEXT PRIMARY KEY, name TEXT, score REAL)`)
	require.NoError(t, err)

	result, err := TableColumns(ctx, db, "target")
	require.NoError(t, err)
	require.Len(t, result.Columns, 3)
	assert.Equal(t, "id", result.Columns[0].Name)
	assert.True(t, result.Columns[0].PrimaryKey)
	assert.Equal(t, "score", result.Columns[2].Name)
}

func TestIntrospectEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	result, err := Introspect(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, result.Tables)
}
