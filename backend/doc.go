// Package backend defines the uniform persistence contract the kernel
// runs against, and the error sentinels common to every implementation.
//
// Three interchangeable implementations are provided: backend/memory
// (in-process, for tests and small deployments), backend/sql (bun over
// sqlite or postgres, for embedded or server-grade durability), and
// backend/kv (redis, for a remote shared store). All three hide their
// storage vocabulary behind the same Backend interface; the kernel
// never type-switches on which one is in use.
package backend
