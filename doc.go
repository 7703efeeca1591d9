// Package dauro provides a lightweight, embeddable durable execution engine
// for Go.
//
// Dauro is designed for backend services whose multi-step operations must
// survive process crashes and restarts: order pipelines, provisioning jobs,
// approval flows, long-running sagas. A workflow is ordinary Go code whose
// durable operations are checkpointed in an append-only journal. After a
// crash the function is simply re-invoked; completed operations are served
// from the journal instead of running again, so execution resumes exactly
// where it stopped.
//
// # Core Concepts
//
// The dauro programming model is intentionally small and idiomatic:
//
//  1. Engine
//  2. ExecutionContext
//  3. Worker
//  4. LocalRunner
//
// These components form a complete durable execution system with
// deterministic replay, durable state (when using persistent backends), and
// a clear mental model.
//
// # Engine
//
// The Engine registers workflow definitions, journals execution state,
// drives replay, and provides APIs to:
//   - run workflows synchronously or schedule them for workers
//   - resolve callback tokens (success, failure, heartbeat)
//   - read execution records and operation history
//   - recover executions orphaned by a crash
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend includes a matching task queue implementation so workers can
// reliably fetch work.
//
// Execution names are chosen by the caller and double as idempotency keys:
// starting a name that already exists attaches to the stored execution
// instead of creating a second one.
//
// # Workflows and Replay
//
// A workflow is a function:
//
//	func(ctx dauro.ExecutionContext, input []byte) (any, error)
//
// Every durable operation goes through the ExecutionContext and is
// checkpointed under a caller-chosen name before its result is returned.
// When an execution suspends (a timer, a pending callback, retry backoff)
// and later resumes, the function runs again from the top: operations that
// already completed return their recorded results immediately, and the
// first operation with no checkpoint is where new work happens. Workflow
// code must therefore be deterministic between replays. Branch on operation
// results, not on the wall clock or package-level state, and give every
// operation a stable name.
//
//	def := dauro.NewWorkflow("ship-order",
//		func(ctx dauro.ExecutionContext, order Order) (Receipt, error) {
//			charge, err := dauro.Step(ctx, "charge", func(c context.Context) (ChargeID, error) {
//				return billing.Charge(c, order)
//			}, nil)
//			if err != nil {
//				return Receipt{}, err
//			}
//			if err := ctx.Wait("cooling-off", 24*time.Hour); err != nil {
//				return Receipt{}, err
//			}
//			return makeReceipt(charge), nil
//		})
//
// # Durable Operations
//
// ExecutionContext offers one method per durable primitive:
//
//   - Step: run a function with at-most-once (or at-least-once) semantics
//     and a deterministic retry policy
//   - Wait: park the execution for a duration that survives restarts
//   - WaitForCallback: mint a token, hand it to an external system, and
//     park until the token is resolved or times out
//   - WaitForCondition: poll a predicate on a fixed interval
//   - MapOp / ParallelOp: fan out independently checkpointed branches with
//     a completion policy
//   - RunInChildContext: nest a naming scope so loops can reuse step names
//
// Retry backoff is computed deterministically from the execution ID,
// operation path and attempt number, so a replayed execution schedules the
// identical delays.
//
// # Workers and Queues
//
// Engines built without a queue drive executions inline: Run blocks until
// the workflow reaches a terminal status, sleeping through timers. For
// asynchronous processing, pair the engine with a task queue: Start then
// enqueues the execution and returns, timed wakeups travel as resume tasks,
// and Workers drain the queue. The WorkerBundle constructors (SQLite,
// Postgres, Redis, Mongo) assemble an engine, queue and worker sharing one
// backing store so several processes can cooperate. Call RecoverStuck on
// startup to re-arm executions whose wakeup fired while no worker was
// alive.
//
// # Observability
//
// An Observer receives execution and operation lifecycle hooks. The package
// ships a LoggingObserver (slog), a BasicMetrics counter set, and, in
// pkg/observe, Prometheus and OpenTelemetry exporters. Inside workflows,
// ctx.Logger() is replay-safe: lines logged while checkpointed results are
// being served are suppressed, so each message appears once per execution.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single
// process-local helper useful for development and unit testing. It is
// intentionally not crash-durable, but it provides the most convenient way
// to run and debug workflows during development.
//
// # Summary
//
// Dauro's goal is to give Go developers durable execution that feels like
// Go: easy to embed, easy to test, deterministic, and without operational
// overhead. Engines journal and replay executions, Workers process them
// asynchronously, ExecutionContext checkpoints the steps in between, and
// LocalRunner provides a fast, developer-friendly runtime.
//
// For examples, see the /examples directory or the project README.
package dauro
