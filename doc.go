// Package gleitzeit is a storage-agnostic workflow execution kernel:
// it accepts DAGs of dependent tasks, resolves each task's provider
// through a protocol registry, substitutes upstream results into
// downstream parameters, and drives every task to a terminal status
// with retry, cascade-failure and cancellation semantics.
//
// # Overview
//
// gleitzeit models a workflow as a directed acyclic graph of tasks.
// It separates the durable record of a workflow/task's state
// (backend.Backend) from the runtime that drives it forward
// (engine.Engine), and defines interfaces so either side can be
// swapped independently: a new persistence backend, a new queue
// discipline, or a new provider protocol never requires touching the
// other two.
//
// The package does not mandate any particular storage backend.
// Implementations may use an in-process map, SQLite, PostgreSQL, or a
// Redis-compatible store; see backend/memory, backend/sql and
// backend/kv.
//
// # Task State Machine
//
// Tasks follow this lifecycle:
//
//	Pending  -> Queued
//	Queued   -> Running
//	Running  -> Completed
//	Running  -> Queued    (retry with backoff)
//	Running  -> Failed
//	Running  -> Cancelled
//	Pending  -> Skipped   (cascade from a failed dependency)
//	Queued   -> Cancelled
//	Pending  -> Cancelled
//
// Completed, Failed, Skipped and Cancelled are terminal; a workflow is
// terminal once every one of its tasks has settled into one of them.
//
// # Dependency Resolution and Parameter Substitution
//
// A task's Dependencies, plus any "${task_id.path}" reference
// discovered inside its Params, are merged into one dependency graph
// per workflow (package resolver). The graph is checked for cycles at
// submission time; submitting a cyclic workflow fails outright rather
// than deadlocking at dispatch. Once every dependency of a task has
// completed, the task is enqueued; when a worker claims it, its params
// are resolved against the recorded results of those dependencies
// (package substitution).
//
// # Retry Policy
//
// Retry behavior is controlled by a task's RetryPolicy.
//
// When a provider invocation fails:
//
//   - if the error is retryable and attempts remain under
//     MaxAttempts, the task is re-queued with a computed,
//     jittered exponential backoff delay
//   - otherwise the task transitions to Failed
//
// AttemptCount is incremented every time a task is claimed for
// execution.
//
// # Failure Strategies
//
// A workflow's FailureStrategy governs what happens to a task's
// dependents once it fails:
//
//	StopOnFirstFailure — every other non-terminal task in the
//	                     workflow is cancelled; the workflow ends Failed
//	SkipDependents     — only the failed task's transitive dependents
//	                     are skipped; independent branches still run,
//	                     and the workflow ends Failed
//	ContinueOnError    — the same cascade and outcome as
//	                     SkipDependents; whether a dependent references
//	                     the failed task's result is not consulted
//
// # Execution Engine
//
// engine.Engine coordinates claiming, dispatching, retrying and
// completing tasks. It:
//
//   - periodically polls the queue for eligible tasks
//   - dispatches them to a bounded worker pool
//   - extends a task's claim lease while its provider invocation runs
//   - applies retry/backoff logic on failure, cascades on terminal
//     failure, and cancels cooperatively on CancelWorkflow
//   - supports graceful shutdown with a drain timeout
//
// The engine does not guarantee exactly-once provider invocation: a
// crash between a provider completing and the result being persisted
// can cause a retry of an already-applied side effect. Provider
// methods should be idempotent where that matters.
//
// # Interfaces
//
// gleitzeit defines the following primary interfaces:
//
//	backend.Backend   — durable workflow/task/queue state
//	provider.Provider  — a bound implementation of a protocol's methods
//	protocol.Registry  — resolves a method name to the best provider
//	                     that is not unhealthy
//
// These interfaces let storage and provider implementations be
// plugged in without coupling the engine to a specific database or
// transport.
//
// # Concurrency Model
//
// Engine uses a bounded internal queue and a fixed-size worker pool.
// Claiming and processing are decoupled to smooth load.
//
// Shutdown is graceful: in-flight invocations are allowed to finish,
// subject to a configurable timeout; CancelWorkflow instead signals a
// specific workflow's in-flight invocations directly rather than
// waiting for them to finish on their own.
//
// # Storage Expectations
//
// Implementations of backend.Backend must ensure atomic state
// transitions, durable persistence, and correct visibility-timeout
// handling for claimed queue entries. gleitzeit assumes the backend
// provides reliable write semantics; behavior under concurrent
// writers to the same record depends on the chosen backend.
//
// # Summary
//
// gleitzeit provides a minimal yet structured foundation for
// orchestrating dependent, idempotent work across heterogeneous
// providers, with explicit lifecycle control, retry semantics, and
// pluggable storage backends.
package gleitzeit
