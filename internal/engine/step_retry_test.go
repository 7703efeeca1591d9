package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/pkg/api"
	"github.com/petrijr/dauro/pkg/codec"
)

func TestStep_TransientRetriesWithBackoff(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	policy := &api.RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "flaky-charge",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			data, err := ec.Step("charge", func(context.Context) (any, error) {
				if calls.Add(1) <= 2 {
					return nil, errors.New("connection reset")
				}
				return "charged", nil
			}, &api.StepConfig{Retry: policy})
			if err != nil {
				return nil, err
			}
			var s string
			if err := codec.Decode("json", data, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	})

	start := time.Now()
	exec, err := eng.Run(ctx, "flaky-charge", "f-1", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if got := calls.Load(); got != 3 {
		t.Fatalf("step attempted %d times, want 3", got)
	}
	// Parked 10ms after attempt 1 and 20ms after attempt 2.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("retries did not honor backoff, finished in %v", elapsed)
	}

	var out string
	mustDecode(t, exec.OutputCodec, exec.Output, &out)
	if out != "charged" {
		t.Fatalf("unexpected output: %q", out)
	}

	op := findOp(t, eng, "f-1", "charge")
	if op.Status != api.OpSucceeded || op.Attempt != 3 {
		t.Fatalf("unexpected final record: status=%q attempt=%d", op.Status, op.Attempt)
	}
	if op.Failure != nil {
		t.Fatalf("success should clear the parked failure, got %+v", op.Failure)
	}
}

func TestStep_ZeroBackoffRetriesInline(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "always-down",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("probe", func(context.Context) (any, error) {
				calls.Add(1)
				return nil, errors.New("boom")
			}, &api.StepConfig{Retry: &api.RetryPolicy{MaxAttempts: 3}})
			return nil, err
		},
	})

	exec, err := eng.Run(ctx, "always-down", "z-1", nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("step attempted %d times, want 3", got)
	}
	if exec.Status != api.ExecutionFailed {
		t.Fatalf("expected FAILED, got %q", exec.Status)
	}
	// Zero-delay retries loop inside one replay pass.
	if !exec.ResumedAt.IsZero() {
		t.Fatalf("inline retries should not suspend the execution")
	}

	op := findOp(t, eng, "z-1", "probe")
	if op.Status != api.OpFailed || op.Attempt != 3 {
		t.Fatalf("unexpected final record: status=%q attempt=%d", op.Status, op.Attempt)
	}
	if op.Failure == nil || op.Failure.Kind != api.ErrorTransient {
		t.Fatalf("unexpected failure record: %+v", op.Failure)
	}
}

func TestStep_PermanentNotRetried(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "rejecting",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("validate", func(context.Context) (any, error) {
				calls.Add(1)
				return nil, api.NewPermanent("InvalidOrder", "quantity must be positive")
			}, &api.StepConfig{Retry: &api.RetryPolicy{MaxAttempts: 5}})
			return nil, err
		},
	})

	_, err := eng.Run(ctx, "rejecting", "p-1", nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("permanent error retried: %d attempts", got)
	}

	op := findOp(t, eng, "p-1", "validate")
	if op.Failure == nil || op.Failure.ErrType != "InvalidOrder" {
		t.Fatalf("application label lost: %+v", op.Failure)
	}
}

func TestStep_NoPolicyFailsFirstError(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "no-policy",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("probe", func(context.Context) (any, error) {
				calls.Add(1)
				return nil, errors.New("boom")
			}, nil)
			return nil, err
		},
	})

	exec, err := eng.Run(ctx, "no-policy", "np-1", nil)
	if err == nil || calls.Load() != 1 {
		t.Fatalf("expected a single failing attempt, err=%v calls=%d", err, calls.Load())
	}
	if exec.Status != api.ExecutionFailed {
		t.Fatalf("expected FAILED, got %q", exec.Status)
	}
}

func TestStep_UnrecoverableNeverRetried(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	// Even an allow-list naming the kind cannot make it retryable.
	policy := &api.RetryPolicy{
		MaxAttempts: 5,
		RetryOn:     []api.ErrorKind{api.ErrorUnrecoverable, api.ErrorTransient},
	}
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "corrupt",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("load", func(context.Context) (any, error) {
				calls.Add(1)
				return nil, api.NewUnrecoverable(errors.New("journal checksum mismatch"))
			}, &api.StepConfig{Retry: policy})
			return nil, err
		},
	})

	if _, err := eng.Run(ctx, "corrupt", "u-1", nil); err == nil {
		t.Fatalf("expected failure")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("unrecoverable error retried: %d attempts", got)
	}
}

func TestStep_RetryOnAllowList(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	policy := &api.RetryPolicy{
		MaxAttempts: 3,
		RetryOn:     []api.ErrorKind{api.ErrorPermanent},
	}

	var permCalls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "retry-permanent",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("settle", func(context.Context) (any, error) {
				if permCalls.Add(1) <= 2 {
					return nil, api.NewPermanent("LedgerLocked", "ledger is being rebalanced")
				}
				return "settled", nil
			}, &api.StepConfig{Retry: policy})
			if err != nil {
				return nil, err
			}
			return "ok", nil
		},
	})
	if _, err := eng.Run(ctx, "retry-permanent", "al-1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := permCalls.Load(); got != 3 {
		t.Fatalf("allow-listed permanent error attempted %d times, want 3", got)
	}

	// A kind outside the allow-list fails on the first attempt.
	var transCalls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "transient-excluded",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("settle", func(context.Context) (any, error) {
				transCalls.Add(1)
				return nil, errors.New("timeout talking to ledger")
			}, &api.StepConfig{Retry: policy})
			return nil, err
		},
	})
	if _, err := eng.Run(ctx, "transient-excluded", "al-2", nil); err == nil {
		t.Fatalf("expected failure")
	}
	if got := transCalls.Load(); got != 1 {
		t.Fatalf("excluded kind retried: %d attempts", got)
	}
}

// seedInterruptedStep plants the journal a crashed worker leaves behind: a
// running execution whose step attempt was dispatched but never resolved.
func seedInterruptedStep(t *testing.T, store *journal.MemoryStore, execID, workflow, path string, attempt int) {
	t.Helper()
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	if err := store.CreateExecution(ctx, &api.Execution{
		ID:        execID,
		Workflow:  workflow,
		Version:   "1",
		Status:    api.ExecutionRunning,
		CreatedAt: started,
		UpdatedAt: started,
		Deadline:  time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	if err := store.AppendOperation(ctx, execID, &api.Operation{
		Path:      path,
		Kind:      api.OpStep,
		Status:    api.OpRunning,
		Attempt:   attempt,
		StartedAt: started,
	}); err != nil {
		t.Fatalf("seed operation: %v", err)
	}
}

func TestStep_InterruptedAttemptChargedAtMostOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	policy := &api.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		BackoffMultiplier: 1,
	}
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "crash-wf",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("flaky", func(context.Context) (any, error) {
				calls.Add(1)
				return "ok", nil
			}, &api.StepConfig{Retry: policy})
			if err != nil {
				return nil, err
			}
			return "recovered", nil
		},
	})
	seedInterruptedStep(t, store, "crashed-1", "crash-wf", "flaky", 1)

	// The interrupted attempt is charged through the policy, not re-run: the
	// first replay parks the retry delay without invoking the function.
	exec, err := eng.ResumeExecution(ctx, "crashed-1")
	if err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	if exec.Status != api.ExecutionSuspended {
		t.Fatalf("expected SUSPENDED during backoff, got %q", exec.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("interrupted attempt was re-run")
	}
	op := findOp(t, eng, "crashed-1", "flaky")
	if op.Status != api.OpPending || op.Attempt != 1 {
		t.Fatalf("unexpected parked record: status=%q attempt=%d", op.Status, op.Attempt)
	}
	if op.Failure == nil || !strings.Contains(op.Failure.Message, "interrupted") {
		t.Fatalf("parked record should explain the charge: %+v", op.Failure)
	}

	time.Sleep(10 * time.Millisecond)
	exec, err = eng.ResumeExecution(ctx, "crashed-1")
	if err != nil {
		t.Fatalf("second ResumeExecution: %v", err)
	}
	if exec.Status != api.ExecutionSucceeded {
		t.Fatalf("expected SUCCEEDED, got %q", exec.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("step ran %d times, want exactly 1", got)
	}
	op = findOp(t, eng, "crashed-1", "flaky")
	if op.Status != api.OpSucceeded || op.Attempt != 2 {
		t.Fatalf("unexpected final record: status=%q attempt=%d", op.Status, op.Attempt)
	}
}

func TestStep_InterruptedAttemptRerunAtLeastOnce(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "idempotent-wf",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("upsert", func(context.Context) (any, error) {
				calls.Add(1)
				return "ok", nil
			}, &api.StepConfig{
				Retry:     &api.RetryPolicy{MaxAttempts: 3},
				Semantics: api.AtLeastOncePerRetry,
			})
			return nil, err
		},
	})
	seedInterruptedStep(t, store, "crashed-2", "idempotent-wf", "upsert", 1)

	exec, err := eng.ResumeExecution(ctx, "crashed-2")
	if err != nil {
		t.Fatalf("ResumeExecution: %v", err)
	}
	if exec.Status != api.ExecutionSucceeded {
		t.Fatalf("expected SUCCEEDED, got %q", exec.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("step ran %d times, want 1", got)
	}
	// The same attempt number is reused; the crash did not consume budget.
	op := findOp(t, eng, "crashed-2", "upsert")
	if op.Status != api.OpSucceeded || op.Attempt != 1 {
		t.Fatalf("unexpected final record: status=%q attempt=%d", op.Status, op.Attempt)
	}
}

func TestStep_InterruptedAttemptExhaustsBudget(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "spent-wf",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			_, err := ec.Step("flaky", func(context.Context) (any, error) {
				calls.Add(1)
				return "ok", nil
			}, &api.StepConfig{Retry: &api.RetryPolicy{MaxAttempts: 2}})
			return nil, err
		},
	})
	seedInterruptedStep(t, store, "crashed-3", "spent-wf", "flaky", 2)

	exec, err := eng.ResumeExecution(ctx, "crashed-3")
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("expected interrupted-attempt failure, got %v", err)
	}
	if exec.Status != api.ExecutionFailed {
		t.Fatalf("expected FAILED, got %q", exec.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("exhausted step should not run again")
	}
}
