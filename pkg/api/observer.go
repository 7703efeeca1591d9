package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay execution.
type Observer interface {
	// OnExecutionStart is called once when an execution is first created,
	// before any operation runs. It is not called again on resumption.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionSuspended is called each time a replay pass parks the
	// execution (timer, callback, retry delay).
	OnExecutionSuspended(ctx context.Context, exec *Execution)

	// OnExecutionCompleted is called when an execution reaches
	// ExecutionSucceeded.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution reaches
	// ExecutionFailed or ExecutionTimedOut.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnOperationStart is called before an operation attempt is
	// dispatched. Replays that serve a checkpointed result do not fire it.
	OnOperationStart(ctx context.Context, exec *Execution, op *Operation)

	// OnOperationCompleted is called after an operation attempt resolves,
	// for both successes and failures (err != nil).
	OnOperationCompleted(ctx context.Context, exec *Execution, op *Operation, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)                {}
func (NoopObserver) OnExecutionSuspended(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)    {}
func (NoopObserver) OnOperationStart(ctx context.Context, exec *Execution, op *Operation) {}
func (NoopObserver) OnOperationCompleted(ctx context.Context, exec *Execution, op *Operation, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionSuspended(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionSuspended(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnOperationStart(ctx context.Context, exec *Execution, op *Operation) {
	for _, o := range c.observers {
		o.OnOperationStart(ctx, exec, op)
	}
}

func (c *CompositeObserver) OnOperationCompleted(ctx context.Context, exec *Execution, op *Operation, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnOperationCompleted(ctx, exec, op, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution / operation
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionSuspended(ctx context.Context, exec *Execution) {
	o.Logger.DebugContext(ctx, "execution_suspended",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnOperationStart(ctx context.Context, exec *Execution, op *Operation) {
	o.Logger.DebugContext(ctx, "operation_start",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.String("op", op.Path),
		slog.String("kind", string(op.Kind)),
		slog.Int("attempt", op.Attempt),
	)
}

func (o *LoggingObserver) OnOperationCompleted(ctx context.Context, exec *Execution, op *Operation, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "operation_completed",
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
		slog.String("op", op.Path),
		slog.String("kind", string(op.Kind)),
		slog.Int("attempt", op.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate operation durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsSuspended atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	operationsCompleted atomic.Int64
	totalOpDuration     atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsSuspended int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	InFlightExecutions  int64

	OperationsCompleted int64
	AvgOpDuration       time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionSuspended(ctx context.Context, exec *Execution) {
	m.executionsSuspended.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnOperationCompleted(ctx context.Context, exec *Execution, op *Operation, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err == nil {
		m.operationsCompleted.Add(1)
		m.totalOpDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	suspended := m.executionsSuspended.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	ops := m.operationsCompleted.Load()
	totalNs := m.totalOpDuration.Load()

	var avg time.Duration
	if ops > 0 {
		avg = time.Duration(totalNs / ops)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsSuspended: suspended,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		InFlightExecutions:  started - completed - failed,
		OperationsCompleted: ops,
		AvgOpDuration:       avg,
	}
}
