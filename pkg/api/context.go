package api

import (
	"context"
	"log/slog"
	"time"
)

// StepFunc is a single side-effecting unit of work. It receives a plain
// context.Context on purpose: durable operations are not available inside
// a step body, which keeps nesting mistakes from compiling at all.
type StepFunc func(ctx context.Context) (any, error)

// SubmitFunc hands a callback token to an external system (queue message,
// HTTP call, email). It runs under its own checkpoint, so it is invoked
// once per attempt even across crashes and replays.
type SubmitFunc func(ctx context.Context, token string) error

// ConditionFunc is polled by WaitForCondition. Returning done=true resolves
// the wait with result; returning an error fails the poll attempt.
type ConditionFunc func(ctx context.Context) (done bool, result any, err error)

// BranchFunc is the body of a parallel branch or child context. It receives
// a scoped ExecutionContext, so branches may use the full durable API.
type BranchFunc func(ctx ExecutionContext) (any, error)

// MapFunc is applied to each item of a MapOp group.
type MapFunc func(ctx ExecutionContext, index int, item any) (any, error)

// Branch pairs a name with its function for ParallelOp. Names must be
// unique within the group; they become path segments under the group
// operation.
type Branch struct {
	Name string
	Fn   BranchFunc
}

// StepConfig tunes a single Step call. A nil config means: no retries,
// AtMostOncePerRetry, default codec.
type StepConfig struct {
	Retry     *RetryPolicy
	Semantics StepSemantics

	// Codec overrides the codec used to encode the step result.
	Codec string
}

// CallbackConfig tunes a WaitForCallback call. A nil config means: no
// overall timeout (the execution lifetime still applies), no heartbeat
// requirement, no submit retries.
type CallbackConfig struct {
	// Timeout is the overall deadline for the callback, measured from
	// token creation.
	Timeout time.Duration

	// HeartbeatTimeout is the maximum silence between heartbeats. Each
	// SendCallbackHeartbeat pushes the heartbeat deadline forward by this
	// amount.
	HeartbeatTimeout time.Duration

	// Retry applies to the submit call, not to the wait itself.
	Retry *RetryPolicy
}

// ConditionConfig tunes a WaitForCondition call. A nil config means: poll
// every DefaultConditionInterval with no backoff, bounded only by the
// execution lifetime.
type ConditionConfig struct {
	// Interval is the base delay between polls.
	Interval time.Duration

	// BackoffMultiplier stretches the delay after each unmet poll,
	// Interval * BackoffMultiplier^(polls-1), capped at MaxInterval.
	// Zero or one keeps the interval fixed.
	BackoffMultiplier float64
	MaxInterval       time.Duration

	// Timeout is the overall deadline, measured from the first poll.
	Timeout time.Duration
}

// DefaultConditionInterval is the poll interval used when a
// WaitForCondition call does not configure one.
const DefaultConditionInterval = 10 * time.Second

// GroupConfig tunes a MapOp or ParallelOp call. A nil config means: no
// concurrency limit, all branches must succeed.
type GroupConfig struct {
	// MaxConcurrency caps how many branches run at once. Zero or negative
	// means no limit.
	MaxConcurrency int

	Completion CompletionPolicy
}

// ExecutionContext is the durable API handed to workflow functions.
//
// Every method checkpoints its outcome in the operation log before
// returning it, keyed by name within the current scope. On replay a
// completed operation is served from the log without re-executing; an
// operation that parked the execution returns a suspend error, which the
// workflow function must propagate.
//
// Names must be unique within their scope and must not contain '/'.
type ExecutionContext interface {
	// Context returns the context of the current replay pass. It is
	// cancelled when the worker shuts down, not when the execution
	// suspends.
	Context() context.Context

	// ExecutionID returns the caller-supplied execution name.
	ExecutionID() string

	// Workflow returns the registered workflow name this execution runs.
	Workflow() string

	// Logger returns a replay-safe logger: records emitted while the
	// engine is serving checkpointed results are suppressed, so a log line
	// appears once per execution, not once per replay.
	Logger() *slog.Logger

	// Step runs fn durably and returns its codec-encoded result.
	Step(name string, fn StepFunc, cfg *StepConfig) ([]byte, error)

	// Wait parks the execution for d. The absolute deadline is computed
	// once, when the operation is first recorded, and survives replays.
	Wait(name string, d time.Duration) error

	// WaitForCallback creates a callback token, hands it to submit, and
	// parks the execution until the token is resolved via
	// Engine.SendCallbackSuccess/Failure or a timeout expires.
	WaitForCallback(name string, submit SubmitFunc, cfg *CallbackConfig) ([]byte, error)

	// WaitForCondition polls cond with backoff until it reports done, a
	// poll fails, or the timeout expires.
	WaitForCondition(name string, cond ConditionFunc, cfg *ConditionConfig) ([]byte, error)

	// MapOp applies fn to every item as an independently checkpointed
	// branch under name. The returned results are valid even when the
	// completion policy was missed; Err tells the two apart.
	MapOp(name string, items []any, fn MapFunc, cfg *GroupConfig) (*BranchResults, error)

	// ParallelOp runs the named branches as independently checkpointed
	// children of name, like MapOp with heterogeneous bodies.
	ParallelOp(name string, branches []Branch, cfg *GroupConfig) (*BranchResults, error)

	// RunInChildContext runs fn in a nested naming scope. Operation names
	// inside fn are recorded under name/, so loops and helpers can reuse
	// step names without colliding.
	RunInChildContext(name string, fn BranchFunc) ([]byte, error)
}
