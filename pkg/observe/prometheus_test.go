package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/dauro/pkg/api"
)

// metricValue gathers the registry and returns the counter or gauge value
// for the series matching name and labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m.GetLabel(), labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("no series %s with labels %v", name, labels)
	return 0
}

// histogramSamples returns the observation count and sum for the histogram
// series matching name and labels, or (0, 0) if no such series exists yet.
func histogramSamples(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (uint64, float64) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m.GetLabel(), labels) {
				continue
			}
			h := m.GetHistogram()
			if h == nil {
				t.Fatalf("series %s is not a histogram", name)
			}
			return h.GetSampleCount(), h.GetSampleSum()
		}
	}
	return 0, 0
}

func hasLabels[L interface {
	GetName() string
	GetValue() string
}](pairs []L, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range pairs {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestPrometheusObserver_ExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Version: "1", Status: api.ExecutionRunning}

	obs.OnExecutionStart(ctx, exec)
	obs.OnExecutionSuspended(ctx, exec)
	obs.OnExecutionSuspended(ctx, exec)

	if got := metricValue(t, reg, "dauro_executions_inflight", nil); got != 1 {
		t.Fatalf("inflight while running = %v, want 1", got)
	}

	exec.Status = api.ExecutionSucceeded
	obs.OnExecutionCompleted(ctx, exec)

	if got := metricValue(t, reg, "dauro_executions_started_total", map[string]string{"workflow": "order"}); got != 1 {
		t.Fatalf("started = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dauro_executions_suspended_total", map[string]string{"workflow": "order"}); got != 2 {
		t.Fatalf("suspended = %v, want 2", got)
	}
	if got := metricValue(t, reg, "dauro_executions_completed_total", map[string]string{"workflow": "order", "status": "succeeded"}); got != 1 {
		t.Fatalf("completed{succeeded} = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dauro_executions_inflight", nil); got != 0 {
		t.Fatalf("inflight after completion = %v, want 0", got)
	}
}

func TestPrometheusObserver_FailureStatusLabels(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	failed := &api.Execution{ID: "run-f", Workflow: "order", Status: api.ExecutionRunning}
	timedOut := &api.Execution{ID: "run-t", Workflow: "order", Status: api.ExecutionRunning}
	obs.OnExecutionStart(ctx, failed)
	obs.OnExecutionStart(ctx, timedOut)

	failed.Status = api.ExecutionFailed
	obs.OnExecutionFailed(ctx, failed, errors.New("boom"))
	timedOut.Status = api.ExecutionTimedOut
	obs.OnExecutionFailed(ctx, timedOut, errors.New("execution exceeded its lifetime deadline"))

	if got := metricValue(t, reg, "dauro_executions_completed_total", map[string]string{"workflow": "order", "status": "failed"}); got != 1 {
		t.Fatalf("completed{failed} = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dauro_executions_completed_total", map[string]string{"workflow": "order", "status": "timed_out"}); got != 1 {
		t.Fatalf("completed{timed_out} = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dauro_executions_inflight", nil); got != 0 {
		t.Fatalf("inflight after failures = %v, want 0", got)
	}
}

func TestPrometheusObserver_OperationLatencyStatuses(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpStep, Attempt: 1}

	obs.OnOperationCompleted(ctx, exec, op, nil, 7*time.Millisecond)
	obs.OnOperationCompleted(ctx, exec, op, api.NewPermanent("CardDeclined", "card declined"), 3*time.Millisecond)
	obs.OnOperationCompleted(ctx, exec, op, &api.TimeoutError{Path: "charge", Reason: "timeout"}, 25*time.Millisecond)

	count, sum := histogramSamples(t, reg, "dauro_operation_latency_ms",
		map[string]string{"workflow": "order", "kind": "STEP", "status": "success"})
	if count != 1 || sum != 7 {
		t.Fatalf("success samples = (%d, %v), want (1, 7)", count, sum)
	}
	count, _ = histogramSamples(t, reg, "dauro_operation_latency_ms",
		map[string]string{"workflow": "order", "kind": "STEP", "status": "error"})
	if count != 1 {
		t.Fatalf("error samples = %d, want 1", count)
	}
	count, _ = histogramSamples(t, reg, "dauro_operation_latency_ms",
		map[string]string{"workflow": "order", "kind": "STEP", "status": "timeout"})
	if count != 1 {
		t.Fatalf("timeout samples = %d, want 1", count)
	}
}

func TestPrometheusObserver_RetriesCountAttemptsPastFirst(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver(reg)

	exec := &api.Execution{ID: "run-1", Workflow: "order", Status: api.ExecutionRunning}
	op := &api.Operation{Path: "charge", Kind: api.OpStep, Attempt: 1}

	obs.OnOperationStart(ctx, exec, op)
	op.Attempt = 2
	obs.OnOperationStart(ctx, exec, op)
	op.Attempt = 3
	obs.OnOperationStart(ctx, exec, op)

	// Three dispatches, first attempt excluded.
	if got := metricValue(t, reg, "dauro_operation_retries_total", map[string]string{"workflow": "order", "kind": "STEP"}); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
}
