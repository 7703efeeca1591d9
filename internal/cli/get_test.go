package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRequiresID(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGetCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", "ignored.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestGetNotFound(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGetCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--id", "nope"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetSucceededExecution(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, _ := seedEngine(t, db)
	seedTerminalExecutions(t, eng)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGetCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--id", "greet-1"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "Execution: greet-1")
	assert.Contains(t, output, "Workflow: greet")
	assert.Contains(t, output, "SUCCEEDED")
	assert.Contains(t, output, `"done"`)
}

func TestGetFailedExecutionJSON(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, _ := seedEngine(t, db)
	seedTerminalExecutions(t, eng)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewGetCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--id", "explode-1"})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string          `json:"status"`
		Data   ExecutionDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "explode-1", resp.Data.ID)
	assert.Equal(t, "FAILED", resp.Data.Status)
	require.NotNil(t, resp.Data.Failure)
	assert.Equal(t, "SeedFailure", resp.Data.Failure.ErrType)
	assert.Contains(t, resp.Data.Failure.Message, "intentional")
}

func TestFormatFailureLine(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, _ := seedEngine(t, db)
	seedTerminalExecutions(t, eng)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewGetCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--id", "explode-1"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "Failure:")
	assert.Contains(t, output, "[permanent] SeedFailure: intentional")
	// The execution-level record does not repeat the operation path; the
	// history command shows per-operation failures with their paths.
	assert.NotContains(t, output, "(at boom)")
}
