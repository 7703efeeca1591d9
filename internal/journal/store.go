// Package journal persists executions, their append-only operation logs,
// and callback tokens. The operation log is the single source of truth for
// an execution's progress: replay reads it to serve completed operations
// and appends a checkpoint before any new result is handed to workflow
// code.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/dauro/pkg/api"
)

var (
	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned by CreateExecution for an ID that is
	// already taken. Callers treat it as "attach to the existing record".
	ErrExecutionExists = errors.New("execution already exists")

	// ErrOperationNotFound is returned when an operation path has no record.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrDuplicateOperation is returned when appending a path that is
	// already recorded for the execution.
	ErrDuplicateOperation = errors.New("operation already recorded")

	// ErrTokenNotFound is returned when a callback token is not found.
	ErrTokenNotFound = errors.New("callback token not found")

	// ErrTokenResolved is returned when claiming a callback token that was
	// already consumed. The first resolution won; the caller's signal is a
	// no-op.
	ErrTokenResolved = errors.New("callback token already resolved")

	// ErrLeaseNotHeld is returned by RenewLease when the caller does not
	// own the lease (lost to expiry or another worker).
	ErrLeaseNotHeld = errors.New("lease not held")
)

// Filter selects executions from the store.
// Empty string / zero status mean "no filter" for that field.
type Filter struct {
	Workflow string
	Status   api.ExecutionStatus
}

// Store is the durable home of executions, operation logs, and callback
// tokens. Implementations must be safe for concurrent use.
//
// Write-serialization per execution is the engine's job (leases), with two
// store-level guarantees backing it up:
//
//   - AppendOperation is unique on (execution, path).
//   - UpdateOperation never overwrites a terminal operation; such writes
//     are silently ignored so that at-least-once checkpointing stays
//     idempotent.
//   - ResolveToken claims a token atomically; exactly one caller wins.
type Store interface {
	// CreateExecution inserts a new execution record. Returns
	// ErrExecutionExists if the ID is already taken.
	CreateExecution(ctx context.Context, exec *api.Execution) error

	// UpdateExecution overwrites the execution record.
	UpdateExecution(ctx context.Context, exec *api.Execution) error

	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error)

	// AppendOperation adds a new operation record and assigns op.Seq.
	// Returns ErrDuplicateOperation if the path is already recorded.
	AppendOperation(ctx context.Context, executionID string, op *api.Operation) error

	// UpdateOperation overwrites the operation identified by op.Path.
	// Writes against an already-terminal operation are ignored.
	UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error

	GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error)

	// ListOperations returns the execution's operations in append order.
	ListOperations(ctx context.Context, executionID string) ([]api.Operation, error)

	// CreateToken stores a new unresolved callback token.
	CreateToken(ctx context.Context, tok *api.CallbackToken) error

	GetToken(ctx context.Context, id string) (*api.CallbackToken, error)

	// UpdateToken overwrites deadline fields of an unresolved token
	// (heartbeat extension). Returns ErrTokenResolved if it was consumed.
	UpdateToken(ctx context.Context, tok *api.CallbackToken) error

	// ResolveToken atomically consumes the token. Exactly one caller wins;
	// the rest get ErrTokenResolved. The returned token carries the state
	// from before resolution.
	ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error)

	// ListExecutionTokens returns all tokens created by an execution,
	// resolved ones included.
	ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the execution's
	// replay lease. If another owner holds an unexpired lease it returns
	// acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, executionID, owner string) error
}

// nanos flattens a time for storage; the zero time maps to 0 so backends
// can use plain integer columns.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos is the inverse of nanos.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// failureToJSON flattens a FailureInfo for storage. nil maps to the empty
// string so TEXT columns stay NULL-free.
func failureToJSON(f *api.FailureInfo) (string, error) {
	if f == nil {
		return "", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// failureFromJSON is the inverse of failureToJSON.
func failureFromJSON(s string) (*api.FailureInfo, error) {
	if s == "" {
		return nil, nil
	}
	var f api.FailureInfo
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return &f, nil
}
