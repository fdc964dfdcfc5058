package insert

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/jsonstage/jsonstage/internal/schema"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func decodePayload(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestInsertEntityWithJunctionPopulatesRows(t *testing.T) {
	payload := decodePayload(t, `{
		"ensemblId": "ENSG1",
		"approvedSymbol": "BRCA2",
		"associatedDiseases": {
			"rows": [
				{"disease": {"efoId": "EFO1", "name": "cancer"}, "score": 0.9},
				{"disease": {"efoId": "EFO2", "name": "other"}, "score": 0.4}
			]
		}
	}`)

	sch, err := schema.Infer(payload, nil)
	require.NoError(t, err)

	db := openTestDB(t)
	ctx := context.Background()
	result, err := Insert(ctx, db, sch, payload, nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, result.RowErrors)

	var targetCount, diseaseCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM target`).Scan(&targetCount))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM disease`).Scan(&diseaseCount))
	require.Equal(t, 1, targetCount)
	require.Equal(t, 2, diseaseCount)

	jd := sch.Junctions["disease_target"]
	require.NotNil(t, jd)
	var junctionCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM disease_target`).Scan(&junctionCount))
	require.Equal(t, 2, junctionCount)
}

func TestInsertDedupesRepeatedIdentity(t *testing.T) {
	payload := decodePayload(t, `{
		"ensemblId": "ENSG1",
		"approvedSymbol": "BRCA2",
		"interactors": [
			{"ensemblId": "ENSG2", "approvedSymbol": "BRCA1"},
			{"ensemblId": "ENSG2", "approvedSymbol": "BRCA1"}
		]
	}`)
	sch, err := schema.Infer(payload, nil)
	require.NoError(t, err)

	db := openTestDB(t)
	ctx := context.Background()
	result, err := Insert(ctx, db, sch, payload, nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, result.RowErrors)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM target`).Scan(&count))
	require.Equal(t, 2, count, "same ensemblId reached twice must not duplicate the row")
}

func TestInsertFallbackScalarData(t *testing.T) {
	payload := decodePayload(t, `null`)
	sch, err := schema.Infer(payload, nil)
	require.NoError(t, err)

	db := openTestDB(t)
	ctx := context.Background()
	_, err = Insert(ctx, db, sch, payload, nil, nil, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scalar_data`).Scan(&count))
	require.Equal(t, 1, count)
}
