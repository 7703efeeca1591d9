// Package observe provides api.Observer implementations that export
// execution telemetry to Prometheus and OpenTelemetry. Both are drop-in
// observers: wire them into an engine directly or fan out alongside logging
// via api.NewCompositeObserver.
package observe

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/dauro/pkg/api"
)

// PrometheusObserver exports execution and operation telemetry as Prometheus
// metrics, all namespaced "dauro":
//
//	dauro_executions_started_total{workflow}
//	dauro_executions_suspended_total{workflow}
//	dauro_executions_completed_total{workflow,status}  status: succeeded, failed, timed_out
//	dauro_executions_inflight
//	dauro_operation_latency_ms{workflow,kind,status}   status: success, error, timeout
//	dauro_operation_retries_total{workflow,kind}
//
// Operation paths are deliberately not a label: map groups mint one path per
// item index, which would make the label set unbounded.
type PrometheusObserver struct {
	started   *prometheus.CounterVec
	suspended *prometheus.CounterVec
	completed *prometheus.CounterVec
	inflight  prometheus.Gauge
	latency   *prometheus.HistogramVec
	retries   *prometheus.CounterVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the dauro metric set with registry and
// returns an observer feeding it. A nil registry falls back to
// prometheus.DefaultRegisterer. Registering two observers with the same
// registry panics (promauto semantics); use one observer per registry.
func NewPrometheusObserver(registry prometheus.Registerer) *PrometheusObserver {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusObserver{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dauro",
			Name:      "executions_started_total",
			Help:      "Executions created, by workflow.",
		}, []string{"workflow"}),
		suspended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dauro",
			Name:      "executions_suspended_total",
			Help:      "Replay passes that parked the execution on a timer, retry delay or callback.",
		}, []string{"workflow"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dauro",
			Name:      "executions_completed_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"workflow", "status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dauro",
			Name:      "executions_inflight",
			Help:      "Executions started and not yet terminal.",
		}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dauro",
			Name:      "operation_latency_ms",
			Help:      "Operation attempt duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"workflow", "kind", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dauro",
			Name:      "operation_retries_total",
			Help:      "Operation attempts dispatched beyond the first.",
		}, []string{"workflow", "kind"}),
	}
}

func (p *PrometheusObserver) OnExecutionStart(ctx context.Context, exec *api.Execution) {
	p.started.WithLabelValues(exec.Workflow).Inc()
	p.inflight.Inc()
}

func (p *PrometheusObserver) OnExecutionSuspended(ctx context.Context, exec *api.Execution) {
	p.suspended.WithLabelValues(exec.Workflow).Inc()
}

func (p *PrometheusObserver) OnExecutionCompleted(ctx context.Context, exec *api.Execution) {
	p.completed.WithLabelValues(exec.Workflow, "succeeded").Inc()
	p.inflight.Dec()
}

func (p *PrometheusObserver) OnExecutionFailed(ctx context.Context, exec *api.Execution, err error) {
	// exec.Status is FAILED or TIMED_OUT here; lowercase it for the label.
	p.completed.WithLabelValues(exec.Workflow, strings.ToLower(string(exec.Status))).Inc()
	p.inflight.Dec()
}

func (p *PrometheusObserver) OnOperationStart(ctx context.Context, exec *api.Execution, op *api.Operation) {
	// Attempt is 1-based and set before dispatch, so anything past 1 is a
	// retry (or a condition re-poll).
	if op.Attempt > 1 {
		p.retries.WithLabelValues(exec.Workflow, string(op.Kind)).Inc()
	}
}

func (p *PrometheusObserver) OnOperationCompleted(ctx context.Context, exec *api.Execution, op *api.Operation, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
		if _, ok := api.AsTimeout(err); ok {
			status = "timeout"
		}
	}
	p.latency.WithLabelValues(exec.Workflow, string(op.Kind), status).Observe(float64(d.Milliseconds()))
}
