package api

import "time"

// ExecutionStatus represents the lifecycle state of a durable execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSuspended ExecutionStatus = "SUSPENDED"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether the status is final. Terminal executions are
// never replayed again; invoking them by name returns the stored outcome.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut:
		return true
	}
	return false
}

// MaxExecutionLifetime is the ceiling on how long a single execution may
// remain in flight, suspended time included. Definitions may choose a
// shorter lifetime; longer ones are clamped.
const MaxExecutionLifetime = 365 * 24 * time.Hour

// Execution is the durable record of one workflow invocation.
//
// ID is the caller-supplied execution name and doubles as the idempotency
// key: invoking the same workflow again under the same ID attaches to this
// record instead of creating a new one.
type Execution struct {
	ID       string
	Workflow string
	Version  string
	Status   ExecutionStatus

	// Input is the original invocation payload, stored codec-encoded so
	// that every replay sees byte-identical input.
	Input      []byte
	InputCodec string

	// Output and Failure are mutually exclusive and only set once the
	// execution reaches a terminal status.
	Output      []byte
	OutputCodec string
	Failure     *FailureInfo

	CreatedAt time.Time

	// ResumedAt is the last time a suspended execution re-entered replay,
	// zero if it never suspended.
	ResumedAt time.Time

	UpdatedAt time.Time

	// Deadline is CreatedAt plus the definition's lifetime. Replay refuses
	// to continue past it; the execution becomes TIMED_OUT instead.
	Deadline time.Time
}

// Terminal reports whether the execution has reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status.Terminal()
}

// ExecutionListOptions controls how executions are listed.
// Zero values mean "no filter" for that field.
type ExecutionListOptions struct {
	// Workflow, if non-empty, limits results to executions of the given workflow.
	Workflow string

	// Status, if non-empty, limits results to executions with the given status.
	Status ExecutionStatus
}

// WorkflowFunc is the entry point of a workflow. It is re-invoked from the
// top on every resume with the original input bytes; all effects must go
// through the durable operations on ExecutionContext so that completed work
// is served from the operation log instead of running again.
type WorkflowFunc func(ctx ExecutionContext, input []byte) (any, error)

// WorkflowDefinition describes a registered workflow.
type WorkflowDefinition struct {
	Name    string
	Version string
	Handler WorkflowFunc

	// MaxLifetime bounds how long executions of this workflow may stay in
	// flight. Zero means MaxExecutionLifetime; larger values are clamped.
	MaxLifetime time.Duration
}
