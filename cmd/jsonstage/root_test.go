package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invokeCommand(t *testing.T, args []string) (string, error) {
	t.Helper()
	c := NewCommand()
	c.SilenceUsage = true
	c.SilenceErrors = true

	buf := new(bytes.Buffer)
	c.SetOut(buf)
	c.SetErr(buf)
	c.SetArgs(args)

	err := c.Execute()
	return buf.String(), err
}

func TestStageThenQueryRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "compartment.db")
	payload := `{"data":{"target":{"id":"ENSG1","approvedSymbol":"AR"}}}`

	stageIn := bytes.NewBufferString(payload)
	c := NewCommand()
	c.SilenceUsage = true
	c.SilenceErrors = true
	stageOut := new(bytes.Buffer)
	c.SetOut(stageOut)
	c.SetIn(stageIn)
	c.SetArgs([]string{"--db", dbPath, "stage"})
	require.NoError(t, c.Execute())
	assert.Contains(t, stageOut.String(), `"success": true`)

	out, err := invokeCommand(t, []string{"--db", dbPath, "query", "SELECT approved_symbol FROM target"})
	require.NoError(t, err)
	assert.Contains(t, out, "AR")

	out, err = invokeCommand(t, []string{"--db", dbPath, "introspect"})
	require.NoError(t, err)
	assert.Contains(t, out, "target")

	out, err = invokeCommand(t, []string{"--db", dbPath, "columns", "target"})
	require.NoError(t, err)
	assert.Contains(t, out, "approved_symbol")

	out, err = invokeCommand(t, []string{"--db", dbPath, "chunk-stats"})
	require.NoError(t, err)
	assert.Contains(t, out, "compression_ratio")

	out, err = invokeCommand(t, []string{"--db", dbPath, "reset"})
	require.NoError(t, err)
	assert.Contains(t, out, "compartment reset")
}

func TestQueryRejectsMutation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "compartment.db")
	out, err := invokeCommand(t, []string{"--db", dbPath, "query", "DROP TABLE target"})
	require.NoError(t, err, "a rejected query is reported as success:false, not a command error")
	assert.Contains(t, out, `"success": false`)
}
