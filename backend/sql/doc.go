// Package sql provides a bun-based SQL implementation of
// backend.Backend for Gleitzeit.
//
// # Overview
//
// The SQL backend provides:
//
//   - durable persistence of workflows, tasks, and the task queue
//   - atomic task-state transitions
//   - visibility timeout (lease) semantics for queue claims
//   - retry-safe ClaimNext using UPDATE ... RETURNING
//
// It is compatible with SQLite, PostgreSQL and other bun-supported
// dialects, subject to their transactional guarantees.
//
// # Concurrency model
//
// ClaimNext is implemented using a single atomic UPDATE statement with
// a subquery, avoiding race conditions between selecting eligible
// entries and transitioning them in-flight.
//
// SQLite users are strongly encouraged to enable WAL mode and
// configure an appropriate busy_timeout.
//
// # Schema
//
// InitDB (or MustInitDB) creates the workflows, tasks, and
// queue_entries tables and their supporting indexes. InitDB is
// idempotent and runs inside a transaction; it does not perform
// destructive migrations.
//
// # Database lifecycle
//
// This package does not manage connection pooling or migrations. The
// caller is responsible for constructing and configuring *bun.DB and
// running InitDB before use.
//
// # Limitations
//
// Lease semantics use status and timestamp columns rather than lease
// tokens or optimistic locking versions. Delivery remains
// at-least-once; exactly-once processing is not guaranteed.
package sql
