package engine

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Scenario 1: single entity.
func TestStageSingleEntity(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	payload := `{"data":{"target":{"id":"ENSG00000169083","approvedSymbol":"AR","biotype":"protein_coding"}}}`
	result, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Schemas, "target")
	assert.Equal(t, 1, result.Schemas["target"].RowCount)
	assert.Contains(t, result.Schemas["target"].Columns, "id")
	assert.Contains(t, result.Schemas["target"].Columns, "approved_symbol")
	assert.Contains(t, result.Schemas["target"].Columns, "biotype")

	q, err := eng.Query(ctx, "SELECT approved_symbol FROM target")
	require.NoError(t, err)
	require.Len(t, q.Results, 1)
	assert.Equal(t, "AR", q.Results[0]["approved_symbol"])
}

// Scenario 2: one-to-many with a row-carrier sibling scalar.
func TestStageOneToMany(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	payload := `{"data":{"target":{"id":"T1","approvedSymbol":"AR","associatedDiseases":{"rows":[
		{"disease":{"id":"D1","name":"a"},"score":0.9},
		{"disease":{"id":"D2","name":"b"},"score":0.7}
	]}}}}`
	result, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Schemas, "target")
	require.Contains(t, result.Schemas, "disease")
	require.Contains(t, result.Schemas, "disease_target")
	assert.Equal(t, 2, result.Schemas["disease_target"].RowCount)

	intro, err := eng.Introspect(ctx)
	require.NoError(t, err)
	assert.Contains(t, intro.SchemaInfo.Tables, "target")
	assert.Contains(t, intro.SchemaInfo.Tables, "disease")
	assert.Contains(t, intro.SchemaInfo.Tables, "disease_target")
	for _, name := range []string{"target", "disease", "disease_target"} {
		tbl := intro.SchemaInfo.Tables[name]
		assert.NotZero(t, tbl.RowCount, name)
		assert.LessOrEqual(t, len(tbl.SampleData), 3, name)
	}
}

// Scenario 3: oversized field chunks transparently and round-trips.
func TestStageOversizedFieldChunksAndRoundTrips(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	big := strings.Repeat("x", 40*1024)
	payload := `{"target":{"id":"T1","approvedSymbol":"AR","description":"` + big + `"}}`
	result, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)
	require.True(t, result.Success)

	row, err := eng.Query(ctx, "SELECT description FROM target")
	require.NoError(t, err)
	require.Len(t, row.Results, 1)
	assert.Equal(t, big, row.Results[0]["description"])

	stats, err := eng.ChunkingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Metadata.TotalChunkedItems)
	assert.Equal(t, int64(40960), stats.Metadata.TotalOriginalSize)
}

// Scenario 4: widening across a mixed-type array field.
func TestStageWidensMixedArrayField(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	payload := `{"xs":[{"v":1},{"v":1.5},{"v":"a"}]}`
	result, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)
	require.True(t, result.Success)

	q, err := eng.Query(ctx, "SELECT v FROM x ORDER BY rowid")
	require.NoError(t, err)
	require.Len(t, q.Results, 3)
	assert.Equal(t, "1", q.Results[0]["v"])
	assert.Equal(t, "1.5", q.Results[1]["v"])
	assert.Equal(t, "a", q.Results[2]["v"])
}

// Scenario 5: rejection.
func TestQueryRejectsMutatingStatement(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	_, err := eng.Stage(ctx, []byte(`{"id":"T1","approvedSymbol":"AR"}`))
	require.NoError(t, err)

	_, err = eng.Query(ctx, "UPDATE target SET approved_symbol='x'")
	require.Error(t, err)
	qerr := AsQueryError("UPDATE target SET approved_symbol='x'", err)
	assert.False(t, qerr.Success)
	assert.NotEmpty(t, qerr.Error)
}

// Scenario 6: introspection after a one-to-many stage, covered by
// TestStageOneToMany's introspect assertions above; this test adds the
// table_columns() path.
func TestTableColumnsListsStagedColumns(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	payload := `{"data":{"target":{"id":"T1","approvedSymbol":"AR","associatedDiseases":{"rows":[
		{"disease":{"id":"D1","name":"a"},"score":0.9}
	]}}}}`
	_, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)

	cols, err := eng.TableColumns(ctx, "target")
	require.NoError(t, err)
	assert.True(t, cols.Success)
	var names []string
	for _, c := range cols.Columns {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "approved_symbol")
}

// Boundary: null payload.
func TestStageNullPayload(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	result, err := eng.Stage(ctx, []byte(`null`))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Schemas, "scalar_data")
	assert.Equal(t, 1, result.Schemas["scalar_data"].RowCount)
}

// Boundary: scalar array payload lands one array_data row per element.
func TestStageScalarArrayPayload(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	result, err := eng.Stage(ctx, []byte(`[1,2,"x"]`))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Schemas, "array_data")
	assert.Equal(t, 3, result.Schemas["array_data"].RowCount)
}

// Boundary: empty object payload.
func TestStageEmptyObjectPayload(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	result, err := eng.Stage(ctx, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.Schemas, "root_object")
}

// Boundary: disallowed SQL has no side effect.
func TestQueryRejectedStatementHasNoSideEffect(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	_, err := eng.Stage(ctx, []byte(`{"target":{"id":"T1","approvedSymbol":"AR"}}`))
	require.NoError(t, err)

	_, err = eng.Query(ctx, "DROP TABLE target")
	require.Error(t, err)

	q, err := eng.Query(ctx, "SELECT approved_symbol FROM target")
	require.NoError(t, err)
	require.Len(t, q.Results, 1, "target must survive the rejected DROP")
}

// Boundary: CREATE TEMP VIEW is accepted and labeled create_temp.
func TestQueryAcceptsCreateTempView(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	q, err := eng.Query(ctx, "CREATE TEMP VIEW v AS SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "create_temp", q.QueryType)
}

// DeleteAll truncates every user and system table without removing them.
func TestDeleteAllClearsRowsButKeepsTables(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	_, err := eng.Stage(ctx, []byte(`{"target":{"id":"T1","approvedSymbol":"AR"}}`))
	require.NoError(t, err)

	require.NoError(t, eng.DeleteAll(ctx))

	q, err := eng.Query(ctx, "SELECT * FROM target")
	require.NoError(t, err)
	assert.Empty(t, q.Results)
}

// P2: junction endpoint rows exist for every junction row.
func TestJunctionEndpointsExist(t *testing.T) {
	db := openTestDB(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	payload := `{"data":{"target":{"id":"T1","approvedSymbol":"AR","associatedDiseases":{"rows":[
		{"disease":{"id":"D1","name":"a"},"score":0.9}
	]}}}}`
	_, err := eng.Stage(ctx, []byte(payload))
	require.NoError(t, err)

	q, err := eng.Query(ctx, `
		SELECT COUNT(*) AS orphans FROM disease_target jt
		LEFT JOIN target t ON t.id = jt.target_id
		LEFT JOIN disease d ON d.id = jt.disease_id
		WHERE t.id IS NULL OR d.id IS NULL`)
	require.NoError(t, err)
	require.Len(t, q.Results, 1)
	assert.EqualValues(t, 0, q.Results[0]["orphans"])
}

// P4 (table names only): two stagings of the same payload into two fresh
// compartments produce the same set of table names, junction tables included.
func TestStagingIsStructurallyDeterministic(t *testing.T) {
	payload := []byte(`{"data":{"target":{"id":"T1","approvedSymbol":"AR","associatedDiseases":{"rows":[
		{"disease":{"id":"D1","name":"a"},"score":0.9},
		{"disease":{"id":"D2","name":"b"},"score":0.4}
	]}}}}`)

	tableNames := func() map[string]bool {
		db := openTestDB(t)
		eng := New(db, DefaultConfig())
		result, err := eng.Stage(context.Background(), payload)
		require.NoError(t, err)
		require.True(t, result.Success)
		names := make(map[string]bool, len(result.Schemas))
		for name := range result.Schemas {
			names[name] = true
		}
		return names
	}

	a := tableNames()
	b := tableNames()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("table name sets diverged between runs (-first +second):\n%s", diff)
	}
}
