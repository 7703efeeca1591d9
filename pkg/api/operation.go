package api

import "time"

// OperationKind identifies the durable primitive an operation records.
type OperationKind string

const (
	OpStep      OperationKind = "STEP"
	OpWait      OperationKind = "WAIT"
	OpCallback  OperationKind = "CALLBACK"
	OpCondition OperationKind = "CONDITION"
	OpMap       OperationKind = "MAP"
	OpParallel  OperationKind = "PARALLEL"

	// OpChild records a nested naming scope. Map and parallel branches are
	// child scopes too, stored under the parent path ("fanout/0", "fanout/b").
	OpChild OperationKind = "CHILD_CONTEXT"
)

// OperationStatus represents the lifecycle state of a single operation.
type OperationStatus string

const (
	// OpPending: appended to the log but not yet started, or parked until
	// ScheduledAt (retry delay, timer).
	OpPending OperationStatus = "PENDING"

	// OpRunning: a step attempt has been dispatched. Recorded before the
	// step function runs so an interrupted attempt is visible on replay.
	OpRunning OperationStatus = "RUNNING"

	// OpWaiting: parked on an external callback or condition.
	OpWaiting OperationStatus = "WAITING"

	OpSucceeded OperationStatus = "SUCCEEDED"
	OpFailed    OperationStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal operations are
// served from the log on replay and never re-executed.
func (s OperationStatus) Terminal() bool {
	return s == OpSucceeded || s == OpFailed
}

// Operation is one record of the append-only operation log.
//
// Identity is the Path: the operation's name prefixed by its enclosing
// child scopes ("refunds/2/charge-back"). Replay resolves operations by
// path, never by position, so adding code around existing operations does
// not invalidate a mid-flight execution. Reusing a name within one scope is
// a replay divergence and fails the execution.
type Operation struct {
	Path   string
	Kind   OperationKind
	Status OperationStatus

	// Seq is the append order within the execution, for history listings.
	Seq int64

	// Attempt counts dispatched attempts, starting at 1.
	Attempt int

	// Result holds the codec-encoded outcome of a succeeded operation.
	Result []byte
	Codec  string

	Failure *FailureInfo

	// ScheduledAt is the absolute time a parked operation becomes runnable:
	// the wait deadline, the retry resume time, or the next condition poll.
	// Replay never recomputes it; only an external signal (a callback
	// heartbeat) may push it forward.
	ScheduledAt time.Time

	// Token correlates a callback operation with its callback token.
	Token string

	StartedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the operation has reached a final status.
func (o *Operation) Terminal() bool {
	return o.Status.Terminal()
}

// CallbackToken is the durable handle handed to an external system by
// WaitForCallback. It is consumed exactly once: the first success or
// failure signal resolves it, later signals are no-ops.
type CallbackToken struct {
	ID            string
	ExecutionID   string
	OperationPath string

	// Deadline is the absolute time the callback expires, zero if the
	// operation was configured without a timeout.
	Deadline time.Time

	// HeartbeatDeadline is the next time a heartbeat must arrive by, zero
	// if no heartbeat timeout was configured. Each heartbeat pushes it
	// forward by HeartbeatInterval.
	HeartbeatDeadline time.Time
	HeartbeatInterval time.Duration

	Resolved  bool
	CreatedAt time.Time
}
