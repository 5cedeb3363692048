// Package queue wraps a backend.Backend with the in-process
// bookkeeping the kernel's task queue needs on top of raw storage:
// idempotent enqueue tracking rebuilt from the backend at startup, and
// an optional soft capacity limit for backpressure.
//
// Claim/ack/nack and stale-lease recovery are delegated straight
// through to the backend, which already implements at-least-once
// visibility-timeout semantics (see package backend); this package
// adds only the parts that must live above a single storage call.
package queue
