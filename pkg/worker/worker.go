package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/api"
)

// Config controls worker behavior.
type Config struct {
	// Concurrency is the number of parallel dequeue loops Run starts.
	// Values below 1 are treated as 1.
	Concurrency int

	// Logger receives task-level diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Worker drains start and resume tasks from a Queue and drives the owning
// executions through the Engine. Every task carries an execution ID, and
// driving is idempotent: replay serves checkpointed results, so processing
// the same task twice cannot re-run completed operations.
type Worker struct {
	engine      api.Engine
	queue       taskqueue.Queue
	concurrency int
	logger      *slog.Logger
}

// New creates a Worker with default configuration.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine:      engine,
		queue:       queue,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// ProcessOne pulls a single task from the queue and drives its execution.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue
//     failed); err says why.
//   - processed == true: a task was consumed; err is non-nil only for
//     infrastructure failures. An execution reaching FAILED or TIMED_OUT is
//     a processed task, not a worker fault: the failure is already
//     journaled, and surfacing it here would double-report it.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeStart, taskqueue.TaskTypeResume:
		if task.ExecutionID == "" {
			return true, fmt.Errorf("%s task %q has no execution id", task.Type, task.ID)
		}
		exec, rerr := w.engine.ResumeExecution(ctx, task.ExecutionID)
		if rerr == nil {
			return true, nil
		}
		if exec != nil && exec.Terminal() {
			return true, nil
		}
		return true, fmt.Errorf("drive execution %q: %w", task.ExecutionID, rerr)

	default:
		return true, fmt.Errorf("unknown task type %q", task.Type)
	}
}

// Run starts Concurrency dequeue loops and blocks until ctx is cancelled.
// Task-level failures are logged and the loop keeps going; a task lost this
// way is rebuilt by the next Engine.RecoverStuck sweep. Run returns nil on
// clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					w.logger.WarnContext(ctx, "task processing failed", slog.Any("error", err))
					continue
				}
				if !processed && ctx.Err() != nil {
					return nil
				}
			}
		})
	}
	return g.Wait()
}
