// Package memory implements backend.Backend entirely in process
// memory, guarded by a single mutex. It is a fully conformant
// implementation (not a test stub): it is suitable for tests and for
// small, single-process deployments that accept losing all state on
// restart.
package memory
