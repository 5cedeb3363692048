// Package engine is the kernel's execution engine: a worker pool that
// claims tasks from the queue, resolves their provider, substitutes
// their parameters, invokes the provider with a timeout and
// cooperative cancellation, classifies the outcome, and drives the
// per-workflow resolver forward.
//
// A periodic TimerTask claims batches from the queue and feeds them
// into a generic WorkerPool; Start may be called once, Stop waits for
// in-flight handlers to drain or a timeout to elapse.
//
// # Failure strategy semantics
//
// A task failure's effect on the rest of its workflow depends on the
// workflow's FailureStrategy:
//
//   - StopOnFirstFailure: every other non-terminal task in the
//     workflow, including one still running, is marked Cancelled
//     immediately and the workflow is marked Failed without waiting
//     for in-flight tasks to finish; a running task's invocation is
//     not signalled.
//   - SkipDependents: only the failed task's transitive dependents are
//     cascade-skipped; unrelated branches keep running. Once every
//     task has settled the workflow is marked Failed, because one of
//     its tasks failed.
//   - ContinueOnError: the same cascade as SkipDependents (a
//     dependent whose upstream never completes can never itself
//     become ready, so leaving it Pending forever would stall the
//     workflow); whether a dependent references the failed task's
//     result is not consulted, and the workflow likewise ends Failed.
//
// # Cancellation
//
// CancelWorkflow marks every non-terminal, non-Running task Cancelled
// immediately and removes its queue entry. A Running task instead has
// its invocation's context cancelled; Invoke is expected to observe
// this and return promptly, after which the task settles to Cancelled
// through the normal completion path. A workflow's terminal status is
// Cancelled whenever CancelWorkflow was called against it, taking
// priority over any task that happened to fail on its own in the same
// window.
package engine
