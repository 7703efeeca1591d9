package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/worker"
)

// approvalDefinition parks on a callback and returns the payload verbatim.
func approvalDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "approval",
		Handler: func(ctx api.ExecutionContext, input []byte) (any, error) {
			res, err := ctx.WaitForCallback("approve", func(context.Context, string) error { return nil }, nil)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(res), nil
		},
	}
}

// parkApproval starts an approval execution, lets a worker drive it until it
// parks, and returns the callback token from the operation log. This is the
// shape of a real deployment: the token a CLI operator holds came out of the
// journal, not out of process memory.
func parkApproval(t *testing.T, eng api.Engine, q taskqueue.Queue, id string) string {
	t.Helper()
	ctx := context.Background()

	_, err := eng.Start(ctx, "approval", id, nil)
	require.NoError(t, err)

	processed, err := processOne(t, eng, q)
	require.NoError(t, err)
	require.True(t, processed)

	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.ExecutionSuspended, exec.Status)

	ops, err := eng.GetExecutionHistory(ctx, id)
	require.NoError(t, err)
	for _, op := range ops {
		if op.Kind == api.OpCallback && op.Token != "" {
			return op.Token
		}
	}
	t.Fatalf("no callback token recorded for %s", id)
	return ""
}

func processOne(t *testing.T, eng api.Engine, q taskqueue.Queue) (bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return worker.New(eng, q).ProcessOne(ctx)
}

func TestSignalRequiresToken(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewSignalCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"success", "--db", "ignored.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestSignalUnknownToken(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewSignalCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"success", "--db", dbPath, "--token", "bogus"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSignalSuccessRoundTrip(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, q := seedEngine(t, db)
	require.NoError(t, eng.RegisterWorkflow(approvalDefinition()))

	token := parkApproval(t, eng, q, "appr-1")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewSignalCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"success", "--db", dbPath, "--token", token, "--payload", `{"approved":true}`})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "resolved")

	// The signal enqueued a resume task; a worker drives it to completion.
	processed, err := processOne(t, eng, q)
	require.NoError(t, err)
	require.True(t, processed)

	exec, err := eng.GetExecution(context.Background(), "appr-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionSucceeded, exec.Status)
	assert.JSONEq(t, `{"approved":true}`, string(exec.Output))
}

func TestSignalDuplicateResolution(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, q := seedEngine(t, db)
	require.NoError(t, eng.RegisterWorkflow(approvalDefinition()))

	token := parkApproval(t, eng, q, "appr-dup")

	first := NewSignalCommand(&RootOptions{Format: "text"})
	first.SetOut(&bytes.Buffer{})
	first.SetArgs([]string{"success", "--db", dbPath, "--token", token})
	require.NoError(t, first.Execute())

	second := NewSignalCommand(&RootOptions{Format: "text"})
	second.SetOut(&bytes.Buffer{})
	second.SetArgs([]string{"failure", "--db", dbPath, "--token", token, "--message", "too late"})

	err := second.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSignalFailureRecordsType(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, q := seedEngine(t, db)
	require.NoError(t, eng.RegisterWorkflow(approvalDefinition()))

	token := parkApproval(t, eng, q, "appr-deny")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewSignalCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"failure", "--db", dbPath, "--token", token, "--type", "ReviewDenied", "--message", "missing signature"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "rejected")

	processed, err := processOne(t, eng, q)
	require.NoError(t, err)
	require.True(t, processed)

	exec, err := eng.GetExecution(context.Background(), "appr-deny")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Failure)
	assert.Equal(t, "ReviewDenied", exec.Failure.ErrType)
	assert.Contains(t, exec.Failure.Message, "missing signature")
}

func TestSignalHeartbeat(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, q := seedEngine(t, db)
	require.NoError(t, eng.RegisterWorkflow(approvalDefinition()))

	token := parkApproval(t, eng, q, "appr-hb")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewSignalCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"heartbeat", "--db", dbPath, "--token", token})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string       `json:"status"`
		Data   SignalResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, token, resp.Data.Token)
	assert.Equal(t, "heartbeat recorded", resp.Data.Action)
}

func TestSignalRejectsMalformedPayload(t *testing.T) {
	dbPath, db := newTestDB(t)
	eng, q := seedEngine(t, db)
	require.NoError(t, eng.RegisterWorkflow(approvalDefinition()))

	token := parkApproval(t, eng, q, "appr-bad")

	cmd := NewSignalCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"success", "--db", dbPath, "--token", token, "--payload", "{not json"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --payload")

	// The token must still be pending: a rejected payload resolves nothing.
	exec, err := eng.GetExecution(context.Background(), "appr-bad")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionSuspended, exec.Status)
}
