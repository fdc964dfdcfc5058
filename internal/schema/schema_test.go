package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonstage/jsonstage/internal/sqltypes"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestInferNullFallsBackToScalarData(t *testing.T) {
	sch, err := Infer(decode(t, `null`), nil)
	require.NoError(t, err)
	assert.Equal(t, "scalar_data", sch.Fallback)
	assert.Contains(t, sch.Tables, "scalar_data")
}

func TestInferScalarArrayFallsBackToArrayData(t *testing.T) {
	sch, err := Infer(decode(t, `[1, 2, "x"]`), nil)
	require.NoError(t, err)
	assert.Equal(t, "array_data", sch.Fallback)
	table := sch.Tables["array_data"]
	require.Len(t, table.Columns, 1)
	assert.Equal(t, sqltypes.Text, table.Columns[0].Class)
}

func TestInferEmptyObjectFallsBackToRootObject(t *testing.T) {
	sch, err := Infer(decode(t, `{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "root_object", sch.Fallback)
	table := sch.Tables["root_object"]
	assert.Empty(t, table.Columns)
}

func TestInferEntityWithJunction(t *testing.T) {
	payload := decode(t, `{
		"ensemblId": "ENSG1",
		"approvedSymbol": "BRCA2",
		"associatedDiseases": {
			"rows": [
				{"disease": {"efoId": "EFO1", "name": "cancer"}, "score": 0.9},
				{"disease": {"efoId": "EFO2", "name": "other"}, "score": 0.4}
			]
		}
	}`)

	sch, err := Infer(payload, nil)
	require.NoError(t, err)
	assert.Empty(t, sch.Fallback)

	require.Contains(t, sch.Tables, "target")
	require.Contains(t, sch.Tables, "disease")
	require.Len(t, sch.Tables, 2, "row carrier must not spawn its own table")

	require.Len(t, sch.Junctions, 1)
	var jd *JunctionDef
	for _, j := range sch.Junctions {
		jd = j
	}
	assert.ElementsMatch(t, []string{"disease", "target"}, []string{jd.TableA, jd.TableB})

	diseaseTable := sch.Tables["disease"]
	var hasScore bool
	for _, c := range diseaseTable.Columns {
		if c.Name == "score" {
			hasScore = true
		}
	}
	assert.True(t, hasScore, "carrier's sibling scalar should fold onto the nested entity's row")
}

func TestInferFlattensNestedNonEntityMapOneLevel(t *testing.T) {
	payload := decode(t, `{
		"ensemblId": "ENSG1",
		"approvedSymbol": "BRCA2",
		"location": {"chromosome": "13", "start": 32315086}
	}`)
	sch, err := Infer(payload, nil)
	require.NoError(t, err)

	table := sch.Tables["target"]
	var cols []string
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
	}
	assert.Contains(t, cols, "location_chromosome")
	assert.Contains(t, cols, "location_start")
}

func TestInferSelfRelationSuppressed(t *testing.T) {
	payload := decode(t, `{
		"ensemblId": "ENSG1",
		"approvedSymbol": "BRCA2",
		"interactsWith": [
			{"ensemblId": "ENSG2", "approvedSymbol": "BRCA1"}
		]
	}`)
	sch, err := Infer(payload, nil)
	require.NoError(t, err)
	require.Len(t, sch.Tables, 1, "self-typed relation collapses into one table")
	assert.Empty(t, sch.Junctions)
}
