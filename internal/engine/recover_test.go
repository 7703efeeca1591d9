package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
)

func seedExecution(t *testing.T, store *journal.MemoryStore, exec *api.Execution) {
	t.Helper()
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now.Add(-time.Minute)
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	if exec.Version == "" {
		exec.Version = "1"
	}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("seed execution %q: %v", exec.ID, err)
	}
}

func seedOperation(t *testing.T, store *journal.MemoryStore, execID string, op *api.Operation) {
	t.Helper()
	if err := store.AppendOperation(context.Background(), execID, op); err != nil {
		t.Fatalf("seed operation %q: %v", op.Path, err)
	}
}

func TestRecoverStuck_ResumesDueExecution(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	var finishCalls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "pickup",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			if err := ec.Wait("hold", 20*time.Millisecond); err != nil {
				return nil, err
			}
			if _, err := ec.Step("finish", func(context.Context) (any, error) {
				finishCalls.Add(1)
				return "done", nil
			}, nil); err != nil {
				return nil, err
			}
			return "done", nil
		},
	})

	// A suspended execution whose timer came due while no worker was alive.
	started := time.Now().Add(-30 * time.Millisecond)
	seedExecution(t, store, &api.Execution{
		ID:       "stale-1",
		Workflow: "pickup",
		Status:   api.ExecutionSuspended,
		Deadline: time.Now().Add(time.Hour),
	})
	seedOperation(t, store, "stale-1", &api.Operation{
		Path:        "hold",
		Kind:        api.OpWait,
		Status:      api.OpWaiting,
		StartedAt:   started,
		ScheduledAt: started.Add(20 * time.Millisecond),
	})

	touched, err := eng.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if touched != 1 {
		t.Fatalf("recovered %d executions, want 1", touched)
	}
	if finishCalls.Load() != 1 {
		t.Fatalf("recovery replay ran the step %d times", finishCalls.Load())
	}
	exec, err := eng.GetExecution(ctx, "stale-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != api.ExecutionSucceeded {
		t.Fatalf("expected SUCCEEDED, got %q", exec.Status)
	}

	// A second sweep finds nothing left to do.
	if touched, err := eng.RecoverStuck(ctx); err != nil || touched != 0 {
		t.Fatalf("idle sweep: touched=%d err=%v", touched, err)
	}
}

func TestRecoverStuck_TimesOutExpiredLifetime(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	mustRegister(t, eng, api.WorkflowDefinition{
		Name: "overdue",
		Handler: func(ec api.ExecutionContext, _ []byte) (any, error) {
			calls.Add(1)
			return nil, ec.Wait("hold", time.Hour)
		},
	})

	seedExecution(t, store, &api.Execution{
		ID:       "overdue-1",
		Workflow: "overdue",
		Status:   api.ExecutionSuspended,
		Deadline: time.Now().Add(-time.Minute),
	})

	touched, err := eng.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if touched != 1 {
		t.Fatalf("recovered %d executions, want 1", touched)
	}
	exec, err := eng.GetExecution(ctx, "overdue-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != api.ExecutionTimedOut {
		t.Fatalf("expected TIMED_OUT, got %q", exec.Status)
	}
	if exec.Failure == nil || exec.Failure.Kind != api.ErrorTimeout {
		t.Fatalf("unexpected failure record: %+v", exec.Failure)
	}
	// A lifetime overrun is settled from the journal alone.
	if calls.Load() != 0 {
		t.Fatalf("handler ran during timeout recovery")
	}
}

func TestRecoverStuck_SkipsParkedOnSignal(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	seedExecution(t, store, &api.Execution{
		ID:       "parked-1",
		Workflow: "approvals",
		Status:   api.ExecutionSuspended,
		Deadline: time.Now().Add(time.Hour),
	})
	// An unbounded callback: no deadline, so no wakeup to re-arm.
	seedOperation(t, store, "parked-1", &api.Operation{
		Path:      "approve",
		Kind:      api.OpCallback,
		Status:    api.OpWaiting,
		Token:     "tok-1",
		StartedAt: time.Now().Add(-time.Minute),
	})

	touched, err := eng.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if touched != 0 {
		t.Fatalf("signal-parked execution should be left alone, touched %d", touched)
	}
	exec, err := eng.GetExecution(ctx, "parked-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != api.ExecutionSuspended {
		t.Fatalf("expected SUSPENDED, got %q", exec.Status)
	}
}

func TestRecoverStuck_QueueMode(t *testing.T) {
	store := journal.NewMemoryStore()
	queue := taskqueue.NewInMemoryQueue(16)
	eng := New(Config{
		Store:    store,
		Queue:    queue,
		Logger:   discardLogger(),
		LeaseTTL: 50 * time.Millisecond,
	})
	ctx := context.Background()

	// A worker died mid-replay: resumable once its lease could have lapsed.
	seedExecution(t, store, &api.Execution{
		ID:       "crashed-run",
		Workflow: "batch",
		Status:   api.ExecutionRunning,
		Deadline: time.Now().Add(time.Hour),
	})
	// A due timer whose resume task was lost.
	started := time.Now().Add(-time.Minute)
	seedExecution(t, store, &api.Execution{
		ID:       "due-timer",
		Workflow: "batch",
		Status:   api.ExecutionSuspended,
		Deadline: time.Now().Add(time.Hour),
	})
	seedOperation(t, store, "due-timer", &api.Operation{
		Path:        "hold",
		Kind:        api.OpWait,
		Status:      api.OpWaiting,
		StartedAt:   started,
		ScheduledAt: started.Add(time.Second),
	})
	// Terminal executions are not swept.
	seedExecution(t, store, &api.Execution{
		ID:       "finished",
		Workflow: "batch",
		Status:   api.ExecutionSucceeded,
	})

	touched, err := eng.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if touched != 2 {
		t.Fatalf("recovered %d executions, want 2", touched)
	}

	// The due timer's task is deliverable immediately; the crashed run is
	// held back a lease TTL so a still-live worker is not raced.
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	first, err := queue.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue first: %v", err)
	}
	if first.Type != taskqueue.TaskTypeResume || first.ExecutionID != "due-timer" || first.Reason != "timer" {
		t.Fatalf("unexpected first task: %+v", first)
	}

	second, err := queue.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue second: %v", err)
	}
	if second.Type != taskqueue.TaskTypeResume || second.ExecutionID != "crashed-run" || second.Reason != "recovery" {
		t.Fatalf("unexpected second task: %+v", second)
	}
	if queue.Len() != 0 {
		t.Fatalf("queue should be drained, has %d tasks", queue.Len())
	}
}

func TestRecoverStuck_RespectsHeldLease(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	seedExecution(t, store, &api.Execution{
		ID:       "contested",
		Workflow: "overdue",
		Status:   api.ExecutionRunning,
		Deadline: time.Now().Add(-time.Minute),
	})
	acquired, err := store.TryAcquireLease(ctx, "contested", "other-worker", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("seed lease: acquired=%v err=%v", acquired, err)
	}

	touched, err := eng.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if touched != 0 {
		t.Fatalf("leased execution should be skipped, touched %d", touched)
	}
	exec, err := eng.GetExecution(ctx, "contested")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != api.ExecutionRunning {
		t.Fatalf("lease holder's execution was modified: %q", exec.Status)
	}
}
