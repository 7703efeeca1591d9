package cli

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/dauro/internal/engine"
	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
)

// newTestDB returns the path of a fresh SQLite file plus an open handle for
// seeding. modernc serializes writes per connection; the pool is pinned to
// one so the journal and the queue never contend on the same file.
func newTestDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dauro.db")
	db, err := sql.Open("sqlite", sqliteDSN(path))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return path, db
}

// seedEngine builds an engine on db the way a worker process would: journal
// and task queue on the same file. The queue is returned so tests can attach
// a worker to it.
func seedEngine(t *testing.T, db *sql.DB) (api.Engine, taskqueue.Queue) {
	t.Helper()
	store, err := journal.NewSQLiteStore(db)
	require.NoError(t, err)
	queue, err := taskqueue.NewSQLiteQueue(db)
	require.NoError(t, err)
	eng := engine.New(engine.Config{
		Store:  store,
		Queue:  queue,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return eng, queue
}

// greetDefinition completes immediately with one recorded step.
func greetDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "greet",
		Handler: func(ctx api.ExecutionContext, input []byte) (any, error) {
			if _, err := ctx.Step("compose", func(context.Context) (any, error) {
				return "hello", nil
			}, nil); err != nil {
				return nil, err
			}
			return "done", nil
		},
	}
}

// explodeDefinition fails its only step with a permanent error.
func explodeDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "explode",
		Handler: func(ctx api.ExecutionContext, input []byte) (any, error) {
			if _, err := ctx.Step("boom", func(context.Context) (any, error) {
				return nil, api.NewPermanent("SeedFailure", "intentional")
			}, nil); err != nil {
				return nil, err
			}
			return "unreachable", nil
		},
	}
}

// seedTerminalExecutions runs one succeeded and one failed execution so
// list/get/history have terminal records to show.
func seedTerminalExecutions(t *testing.T, eng api.Engine) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(greetDefinition()))
	require.NoError(t, eng.RegisterWorkflow(explodeDefinition()))

	exec, err := eng.Run(ctx, "greet", "greet-1", nil)
	require.NoError(t, err)
	require.Equal(t, api.ExecutionSucceeded, exec.Status)

	exec, err = eng.Run(ctx, "explode", "explode-1", nil)
	require.Error(t, err)
	require.Equal(t, api.ExecutionFailed, exec.Status)
}
