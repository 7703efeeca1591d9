package dauro

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/dauro/internal/engine"
	"github.com/petrijr/dauro/internal/journal"
	"github.com/petrijr/dauro/internal/taskqueue"
	"github.com/petrijr/dauro/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
// The engine is wired to the queue, so Start schedules executions for the
// worker goroutines and timed wakeups travel as resume tasks.
//
// Typical usage:
//
//	runner := dauro.NewLocalRunner()
//	_ = runner.Engine.RegisterWorkflow(dauro.WorkflowDefinition{
//		Name:    "my-flow",
//		Handler: handler,
//	})
//
//	// Synchronous run (no queue/worker involved):
//	exec, err := dauro.Run(ctx, runner.Engine, "my-flow", "order-17", input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	exec, err = runner.StartWorkflowAsync(ctx, "my-flow", "order-18", input)
//	...
//	runner.Stop()
//
// Callback signals go through the engine as usual; resolving a token
// schedules the owning execution back onto the runner's queue.
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue shared by Engine and Worker.
	Queue taskqueue.Queue

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	q := taskqueue.NewInMemoryQueue(1024)
	eng := engine.New(engine.Config{
		Store: journal.NewMemoryStore(),
		Queue: q,
	})
	w := worker.New(eng, q)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: w,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("dauro: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// For the local runner, cancellation is a clean shutdown signal.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// For other errors, log and keep going so a single bad task
					// doesn't kill the worker loop.
					slog.Default().WarnContext(ctx, "local runner worker error", slog.Any("error", err))
					continue
				}
				if !processed {
					// Only happens if ctx was cancelled before a task was obtained.
					// The loop exits on the next Dequeue when err == context.Canceled.
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// StartWorkflowAsync creates the execution under executionName and enqueues
// it for the runner's workers. The workflow must already be registered on
// LocalRunner.Engine.
func (r *LocalRunner) StartWorkflowAsync(ctx context.Context, workflow, executionName string, input any) (*Execution, error) {
	return r.Engine.Start(ctx, workflow, executionName, input)
}
