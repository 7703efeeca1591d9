package observe

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/dauro/pkg/api"
)

// TracingObserver records execution lifecycle transitions and operation
// attempts as OpenTelemetry spans.
//
// Lifecycle transitions (start, suspend, complete, fail) become instant
// spans named like the LoggingObserver's log messages. Each completed
// operation attempt becomes one span named after its kind ("step", "wait",
// ...) whose start time is backdated by the attempt duration, so trace UIs
// show real attempt latency without the observer holding spans open across
// hook calls.
//
// Span attributes are namespaced "dauro." (workflow, execution_id, op, kind,
// attempt).
type TracingObserver struct {
	tracer trace.Tracer
}

var _ api.Observer = (*TracingObserver)(nil)

// NewTracingObserver creates an observer that emits spans through tracer.
// A nil tracer falls back to otel.Tracer("dauro"), which respects the
// globally registered provider.
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	if tracer == nil {
		tracer = otel.Tracer("dauro")
	}
	return &TracingObserver{tracer: tracer}
}

func (o *TracingObserver) OnExecutionStart(ctx context.Context, exec *api.Execution) {
	o.instant(ctx, "execution_start", exec, nil)
}

func (o *TracingObserver) OnExecutionSuspended(ctx context.Context, exec *api.Execution) {
	o.instant(ctx, "execution_suspended", exec, nil)
}

func (o *TracingObserver) OnExecutionCompleted(ctx context.Context, exec *api.Execution) {
	o.instant(ctx, "execution_completed", exec, nil)
}

func (o *TracingObserver) OnExecutionFailed(ctx context.Context, exec *api.Execution, err error) {
	o.instant(ctx, "execution_failed", exec, err)
}

// OnOperationStart is a no-op: the completion span carries the attempt
// duration, and a start-only span would just duplicate it.
func (o *TracingObserver) OnOperationStart(ctx context.Context, exec *api.Execution, op *api.Operation) {
}

func (o *TracingObserver) OnOperationCompleted(ctx context.Context, exec *api.Execution, op *api.Operation, err error, d time.Duration) {
	if d < 0 {
		d = 0
	}
	end := time.Now()
	_, span := o.tracer.Start(ctx, strings.ToLower(string(op.Kind)),
		trace.WithTimestamp(end.Add(-d)))
	span.SetAttributes(execAttributes(exec)...)
	span.SetAttributes(
		attribute.String("dauro.op", op.Path),
		attribute.Int("dauro.attempt", op.Attempt),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End(trace.WithTimestamp(end))
}

// Flush forces export of buffered spans if the registered tracer provider
// supports it. Call it before shutdown so batched spans are not dropped.
func (o *TracingObserver) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// instant emits a zero-duration span for an execution lifecycle transition.
func (o *TracingObserver) instant(ctx context.Context, name string, exec *api.Execution, err error) {
	_, span := o.tracer.Start(ctx, name)
	span.SetAttributes(execAttributes(exec)...)
	if err != nil {
		span.SetAttributes(attribute.String("dauro.status", string(exec.Status)))
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}

func execAttributes(exec *api.Execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("dauro.workflow", exec.Workflow),
		attribute.String("dauro.execution_id", exec.ID),
		attribute.String("dauro.version", exec.Version),
	}
}
