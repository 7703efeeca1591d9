package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/petrijr/dauro/pkg/api"
)

// gateHandler drops records while a replay pass is serving checkpointed
// results. All loggers derived from the same pass share one liveness flag,
// so a log line written through the workflow logger appears once per
// execution instead of once per replay.
type gateHandler struct {
	inner slog.Handler
	live  *atomic.Bool
}

func (h *gateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.live.Load() && h.inner.Enabled(ctx, level)
}

func (h *gateHandler) Handle(ctx context.Context, rec slog.Record) error {
	if !h.live.Load() {
		return nil
	}
	return h.inner.Handle(ctx, rec)
}

func (h *gateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &gateHandler{inner: h.inner.WithAttrs(attrs), live: h.live}
}

func (h *gateHandler) WithGroup(name string) slog.Handler {
	return &gateHandler{inner: h.inner.WithGroup(name), live: h.live}
}

// newReplayLogger wraps logger behind the pass's liveness gate and stamps
// every record with the execution identity.
func newReplayLogger(logger *slog.Logger, live *atomic.Bool, exec *api.Execution) *slog.Logger {
	return slog.New(&gateHandler{inner: logger.Handler(), live: live}).With(
		slog.String("workflow", exec.Workflow),
		slog.String("execution_id", exec.ID),
	)
}
