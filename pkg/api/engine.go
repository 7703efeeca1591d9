package api

import "context"

// Engine is the high-level durable execution API.
type Engine interface {
	// RegisterWorkflow registers a definition under its name and version.
	// Registering the same name+version twice returns ErrDuplicateWorkflow.
	RegisterWorkflow(def WorkflowDefinition) error

	// Run invokes a workflow synchronously under the given execution name
	// and drives it to a terminal status: timed suspensions (retry backoff,
	// waits, condition polls) are slept through, and callback waits resolve
	// as soon as the signal arrives in-process. An execution parked on a
	// callback with no deadline blocks until a signal or ctx cancellation;
	// cancelling ctx stops the wait without touching the durable state.
	//
	// Run is idempotent on executionName: invoking a name that already
	// exists attaches to the stored execution. Terminal executions return
	// their recorded outcome without running anything; failed ones
	// re-return the stored failure as the error.
	Run(ctx context.Context, workflow, executionName string, input any) (*Execution, error)

	// RunVersion is like Run but pins an explicit workflow version.
	RunVersion(ctx context.Context, workflow, version, executionName string, input any) (*Execution, error)

	// Start creates the execution and schedules it on the task queue
	// instead of replaying inline. Engines without a configured queue run
	// synchronously as a fallback. Idempotent on executionName.
	Start(ctx context.Context, workflow, executionName string, input any) (*Execution, error)

	// StartVersion is like Start but pins an explicit workflow version.
	StartVersion(ctx context.Context, workflow, version, executionName string, input any) (*Execution, error)

	// GetExecution looks up an execution by ID.
	// Returns ErrExecutionNotFound if it does not exist.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching the given options.
	// If options are zero-valued, all executions are returned.
	ListExecutions(ctx context.Context, opts ExecutionListOptions) ([]*Execution, error)

	// GetExecutionHistory returns the execution's operation log in append
	// order. It is a diagnostic surface: programmatic flow control belongs
	// in the workflow function, not in history inspection.
	GetExecutionHistory(ctx context.Context, id string) ([]Operation, error)

	// SendCallbackSuccess resolves a callback token with a payload and
	// schedules the owning execution for resumption. The first resolution
	// wins; later signals for the same token return ErrTokenResolved.
	SendCallbackSuccess(ctx context.Context, token string, payload any) error

	// SendCallbackFailure resolves a callback token with a typed failure.
	// errType is the application label workflow code can branch on.
	SendCallbackFailure(ctx context.Context, token string, errType, message string) error

	// SendCallbackHeartbeat extends the token's heartbeat deadline without
	// resolving it.
	SendCallbackHeartbeat(ctx context.Context, token string) error

	// ResumeExecution replays a suspended execution now. Workers call this
	// when a resume task fires; operators can call it by hand. Resuming a
	// terminal execution is a no-op that returns the stored record.
	ResumeExecution(ctx context.Context, id string) (*Execution, error)

	// RecoverStuck scans for executions whose resume time passed while no
	// worker was alive and re-arms them, and fails executions past their
	// lifetime deadline. It returns the number of executions touched.
	//
	// Intended to be called on process startup before workers accept work.
	RecoverStuck(ctx context.Context) (int, error)
}
