// Package worker provides the background worker that drives dauro
// executions forward.
//
// Workers consume tasks from a task queue and hand each one to the engine,
// which replays the owning execution until it completes or parks again. They
// are lightweight, embed cleanly in existing services, and scale
// horizontally: any number of workers can drain the same queue, with the
// engine's per-execution lease keeping replays single-writer.
//
// # Task model
//
// Two task types flow through the queue, and the worker treats them
// identically:
//
//   - start tasks, enqueued by Engine.Start after the execution record is
//     created
//   - resume tasks, enqueued when a parked execution's wakeup time arrives
//     (retry backoff, timers, callback timeouts, condition polls)
//
// Both carry the execution ID; processing one means calling
// Engine.ResumeExecution. Because replay serves checkpointed operation
// results by path, redelivering a task is harmless.
//
// # Failure handling
//
// A workflow ending in FAILED or TIMED_OUT is a successfully processed task:
// the outcome is journaled and observable through the engine. ProcessOne
// reports errors only for infrastructure faults (store or registry
// failures). Run logs those and keeps draining; an execution whose resume
// task was lost this way is picked back up by Engine.RecoverStuck.
//
// # Usage
//
// Most applications wire workers through the dauro package (LocalRunner or
// NewSQLiteBundle). Construct one directly when you manage the queue and
// engine yourself:
//
//	w := worker.NewWithConfig(eng, queue, worker.Config{Concurrency: 4})
//	if err := w.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package worker
