package dauro

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/dauro/pkg/codec"
)

// The facade must be enough to define, run and inspect a workflow without
// importing any internal package.
func TestFacade_RunAndInspect(t *testing.T) {
	eng := NewInMemoryEngine()

	def := WorkflowDefinition{
		Name: "facade-add",
		Handler: func(ctx ExecutionContext, input []byte) (any, error) {
			var n int
			if err := codec.Decode("json", input, &n); err != nil {
				return nil, err
			}
			out, err := ctx.Step("add-one", func(context.Context) (any, error) {
				return n + 1, nil
			}, nil)
			if err != nil {
				return nil, err
			}
			var sum int
			if err := codec.Decode("json", out, &sum); err != nil {
				return nil, err
			}
			return sum, nil
		},
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	ctx := context.Background()
	exec, err := Run(ctx, eng, "facade-add", "facade-1", 41)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != ExecutionSucceeded {
		t.Fatalf("expected %v, got %v", ExecutionSucceeded, exec.Status)
	}

	got, err := GetExecution(ctx, eng, "facade-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	out, err := Output[int](got)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected output 42, got %d", out)
	}

	history, err := GetExecutionHistory(ctx, eng, "facade-1")
	if err != nil {
		t.Fatalf("GetExecutionHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(history))
	}
	if history[0].Kind != OpStep || history[0].Path != "add-one" {
		t.Fatalf("unexpected operation record: kind=%v path=%q", history[0].Kind, history[0].Path)
	}

	succeeded, err := ListExecutions(ctx, eng, ExecutionListOptions{Status: ExecutionSucceeded})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "facade-1" {
		t.Fatalf("unexpected list result: %+v", succeeded)
	}

	if _, err := GetExecution(ctx, eng, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

// Callback tokens resolve through the facade helpers, and the sentinel
// errors re-exported here are the ones the engine actually returns.
func TestFacade_CallbackRoundTrip(t *testing.T) {
	eng := NewInMemoryEngine()

	tokenCh := make(chan string, 1)
	def := NewWorkflow("facade-approval", func(ctx ExecutionContext, _ struct{}) (string, error) {
		return WaitForCallback[string](ctx, "approval", func(_ context.Context, token string) error {
			tokenCh <- token
			return nil
		}, nil)
	})
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, eng, "facade-approval", "approval-1", struct{}{})
		done <- err
	}()

	var token string
	select {
	case token = <-tokenCh:
	case <-time.After(2 * time.Second):
		t.Fatal("submit callback never received a token")
	}

	if err := SendCallbackHeartbeat(ctx, eng, "not-a-token"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for unknown token, got %v", err)
	}

	if err := SendCallbackSuccess(ctx, eng, token, "approved by alice"); err != nil {
		t.Fatalf("SendCallbackSuccess failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after the callback resolved")
	}

	exec, err := GetExecution(ctx, eng, "approval-1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	result, err := Output[string](exec)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if result != "approved by alice" {
		t.Fatalf("unexpected callback payload: %q", result)
	}

	// First resolution wins.
	if err := SendCallbackFailure(ctx, eng, token, "Rejected", "too late"); !errors.Is(err, ErrTokenResolved) {
		t.Fatalf("expected ErrTokenResolved on second resolution, got %v", err)
	}
}

// Observers built from the re-exported helpers see the run.
func TestFacade_ObserverWiring(t *testing.T) {
	metrics := &BasicMetrics{}
	quiet := NewLoggingObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	eng := NewInMemoryEngineWithObserver(NewCompositeObserver(quiet, metrics))

	ok := NewWorkflow("observer-ok", func(ctx ExecutionContext, _ struct{}) (string, error) {
		return Step(ctx, "work", func(context.Context) (string, error) { return "fine", nil }, nil)
	})
	bad := NewWorkflow("observer-bad", func(ctx ExecutionContext, _ struct{}) (string, error) {
		return "", NewPermanent("Broken", "nothing to do")
	})
	if err := eng.RegisterWorkflow(ok); err != nil {
		t.Fatal(err)
	}
	if err := eng.RegisterWorkflow(bad); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := Run(ctx, eng, "observer-ok", "obs-1", struct{}{}); err != nil {
		t.Fatalf("Run observer-ok failed: %v", err)
	}
	exec, err := Run(ctx, eng, "observer-bad", "obs-2", struct{}{})
	if err == nil {
		t.Fatal("expected observer-bad to fail")
	}
	if exec == nil || exec.Status != ExecutionFailed {
		t.Fatalf("expected FAILED execution alongside the error, got %+v", exec)
	}

	snap := metrics.Snapshot()
	if snap.ExecutionsStarted != 2 {
		t.Fatalf("expected 2 started, got %d", snap.ExecutionsStarted)
	}
	if snap.ExecutionsCompleted != 1 {
		t.Fatalf("expected 1 completed, got %d", snap.ExecutionsCompleted)
	}
	if snap.ExecutionsFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", snap.ExecutionsFailed)
	}
}

// The SQLite facade constructor produces a working engine.
func TestFacade_SQLiteEngine(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	eng, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}

	def := NewWorkflow("facade-sqlite", func(ctx ExecutionContext, n int) (int, error) {
		return Step(ctx, "triple", func(context.Context) (int, error) { return n * 3, nil }, nil)
	})
	if err := eng.RegisterWorkflow(def); err != nil {
		t.Fatal(err)
	}

	exec, err := Run(context.Background(), eng, "facade-sqlite", "sqlite-1", 7)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out, err := Output[int](exec)
	if err != nil {
		t.Fatal(err)
	}
	if out != 21 {
		t.Fatalf("expected 21, got %d", out)
	}
}
