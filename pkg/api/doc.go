// Package api contains the core building blocks used by the dauro durable
// execution engine. It provides the data model for executions and their
// operation logs, the error taxonomy, retry and completion policies, and
// the ExecutionContext interface workflow functions run against.
//
// Most users interact with the higher-level dauro package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom integrations, or contributors extending the
// engine itself.
//
// # Executions and the operation log
//
// An execution is one durable invocation of a registered workflow. Its
// state lives in an append-only operation log: every durable call the
// workflow makes (Step, Wait, WaitForCallback, MapOp, ...) is checkpointed
// under a caller-chosen name before its result is returned. When the
// process restarts, the engine re-invokes the workflow function from the
// top and serves completed operations from the log instead of re-executing
// them, so the function deterministically fast-forwards to where it left
// off.
//
// Operations are identified by name, not by position. Code may be extended
// around existing operations without invalidating in-flight executions;
// renaming or duplicating a name is detected as replay divergence and fails
// the execution rather than corrupting it.
//
// # Suspension
//
// Durable waits do not block a goroutine. An operation that cannot resolve
// yet returns a suspend error, which workflow code propagates like any
// other error; the engine recognizes it, records the execution as
// SUSPENDED, and schedules a resume task for the wake-up time. IsSuspend
// distinguishes suspension from failure for code that must inspect errors
// it does not own.
//
// # Errors and retries
//
// Failures are classified by ErrorKind (transient, permanent,
// unrecoverable, timeout, divergence). The kind and the application's
// ErrType label are journaled with the operation and reconstructed on
// replay, so compensation logic can branch on typed errors even after a
// crash. RetryPolicy decides retries purely from (error kind, attempt),
// with deterministic backoff and jitter.
//
// # Observability
//
// The api package defines the Observer interface, which is used by engines,
// workers, and runners to report lifecycle events and metrics. Ready-made
// implementations cover logging (slog), in-memory counters, and fan-out
// composition; the observe package adds Prometheus and OpenTelemetry
// variants.
//
// See the dauro package documentation and the examples directory for
// end-to-end usage.
package api
