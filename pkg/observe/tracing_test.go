package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/dauro/pkg/api"
)

func newSpanRecorder(t *testing.T) (*tracetest.InMemoryExporter, *TracingObserver) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewTracingObserver(tp.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestTracingObserver_OperationSpanCarriesDuration(t *testing.T) {
	exporter, obs := newSpanRecorder(t)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Version: "2", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpStep, Attempt: 3}

	obs.OnOperationCompleted(context.Background(), exec, op, nil, 40*time.Millisecond)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "step" {
		t.Fatalf("span name = %q, want %q", span.Name, "step")
	}
	if got := span.EndTime.Sub(span.StartTime); got != 40*time.Millisecond {
		t.Fatalf("span duration = %v, want 40ms", got)
	}
	if span.Status.Code != codes.Unset {
		t.Fatalf("status code = %v, want unset", span.Status.Code)
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["dauro.workflow"]; got != "order" {
		t.Fatalf("dauro.workflow = %v, want order", got)
	}
	if got := attrs["dauro.execution_id"]; got != "run-1" {
		t.Fatalf("dauro.execution_id = %v, want run-1", got)
	}
	if got := attrs["dauro.version"]; got != "2" {
		t.Fatalf("dauro.version = %v, want 2", got)
	}
	if got := attrs["dauro.op"]; got != "charge" {
		t.Fatalf("dauro.op = %v, want charge", got)
	}
	if got := attrs["dauro.attempt"]; got != int64(3) {
		t.Fatalf("dauro.attempt = %v, want 3", got)
	}
}

func TestTracingObserver_OperationErrorSetsStatus(t *testing.T) {
	exporter, obs := newSpanRecorder(t)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpCallback, Attempt: 1}
	cause := api.NewPermanent("CardDeclined", "card declined")

	obs.OnOperationCompleted(context.Background(), exec, op, cause, 5*time.Millisecond)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "callback" {
		t.Fatalf("span name = %q, want %q", span.Name, "callback")
	}
	if span.Status.Code != codes.Error {
		t.Fatalf("status code = %v, want error", span.Status.Code)
	}
	if span.Status.Description != cause.Error() {
		t.Fatalf("status description = %q, want %q", span.Status.Description, cause.Error())
	}
	if len(span.Events) == 0 {
		t.Fatal("expected a recorded error event")
	}
}

func TestTracingObserver_ExecutionLifecycleSpans(t *testing.T) {
	exporter, obs := newSpanRecorder(t)
	ctx := context.Background()

	exec := &api.Execution{ID: "run-1", Workflow: "order", Version: "1", Status: api.ExecutionRunning}
	obs.OnExecutionStart(ctx, exec)
	obs.OnExecutionSuspended(ctx, exec)
	exec.Status = api.ExecutionSucceeded
	obs.OnExecutionCompleted(ctx, exec)

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	wantNames := []string{"execution_start", "execution_suspended", "execution_completed"}
	for i, span := range spans {
		if span.Name != wantNames[i] {
			t.Fatalf("span[%d] name = %q, want %q", i, span.Name, wantNames[i])
		}
		attrs := attributeMap(span.Attributes)
		if got := attrs["dauro.execution_id"]; got != "run-1" {
			t.Fatalf("span[%d] dauro.execution_id = %v, want run-1", i, got)
		}
		if span.Status.Code != codes.Unset {
			t.Fatalf("span[%d] status = %v, want unset", i, span.Status.Code)
		}
	}
}

func TestTracingObserver_ExecutionFailureAnnotatesStatus(t *testing.T) {
	exporter, obs := newSpanRecorder(t)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionTimedOut}
	cause := &api.TimeoutError{Path: "run-1", Reason: "timeout"}

	obs.OnExecutionFailed(context.Background(), exec, cause)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "execution_failed" {
		t.Fatalf("span name = %q, want %q", span.Name, "execution_failed")
	}
	if span.Status.Code != codes.Error {
		t.Fatalf("status code = %v, want error", span.Status.Code)
	}
	attrs := attributeMap(span.Attributes)
	if got := attrs["dauro.status"]; got != "TIMED_OUT" {
		t.Fatalf("dauro.status = %v, want TIMED_OUT", got)
	}
}

func TestTracingObserver_OperationStartEmitsNothing(t *testing.T) {
	exporter, obs := newSpanRecorder(t)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpStep, Attempt: 1}
	obs.OnOperationStart(context.Background(), exec, op)

	if spans := exporter.GetSpans(); len(spans) != 0 {
		t.Fatalf("expected 0 spans, got %d", len(spans))
	}
}

func TestTracingObserver_FlushForcesExport(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	obs := NewTracingObserver(tp.Tracer("test"))
	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpStep, Attempt: 1}
	obs.OnOperationCompleted(context.Background(), exec, op, nil, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if spans := exporter.GetSpans(); len(spans) != 1 {
		t.Fatalf("expected 1 span after flush, got %d", len(spans))
	}
}
