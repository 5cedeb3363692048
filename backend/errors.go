package backend

import "errors"

var (
	// ErrNotFound is returned when a workflow or task id has no
	// corresponding record.
	ErrNotFound = errors.New("record not found")

	// ErrBackendUnavailable is returned when the underlying store
	// cannot be reached (connection failure, context deadline, ...).
	// Callers should treat it as transient.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendCorrupted is returned when a stored record cannot be
	// decoded into its domain type. It indicates the store itself (or
	// something writing to it out of band) is in a bad state.
	ErrBackendCorrupted = errors.New("backend corrupted")

	// ErrClaimLost is returned by Ack/Nack/ExtendClaim when the caller
	// no longer owns the queue entry's visibility lease, mirroring the
	// teacher's ErrLockLost for the task-queue vocabulary.
	ErrClaimLost = errors.New("claim lost")

	// ErrAlreadyExists is returned by PutWorkflow/PutTask/Enqueue when
	// called with an id that already has a record, enforcing
	// idempotent-enqueue semantics at the storage layer.
	ErrAlreadyExists = errors.New("record already exists")
)
