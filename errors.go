package gleitzeit

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleStarted is returned by Kernel.Start on an already-running
	// Kernel.
	ErrDoubleStarted = errors.New("kernel double start")

	// ErrDoubleStopped is returned by Kernel.Stop on a Kernel that is
	// not running.
	ErrDoubleStopped = errors.New("kernel double stop")

	// ErrWaitTimeout is returned by Kernel.WaitForWorkflow when timeout
	// elapses before the workflow reaches a terminal status.
	ErrWaitTimeout = errors.New("wait for workflow timed out")
)

// KernelError is the stable, user-facing error shape: callers never
// see an internal invariant message raw, only a stable code plus a
// human-readable message. Code is one of the constants below; Err,
// when set, is the underlying cause and is reachable through
// errors.Unwrap/errors.Is.
type KernelError struct {
	Code    string
	Message string
	Err     error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// Stable error codes surfaced on KernelError, grouped by disposition:
// caller mistake, graph error, missing record, backend failure,
// protocol/provider binding error, or internal error.
const (
	CodeValidationError      = "validation_error"
	CodeCircularDependency   = "circular_dependency"
	CodeUnknownDependency    = "unknown_dependency"
	CodeNotFound             = "not_found"
	CodeBackendUnavailable   = "backend_unavailable"
	CodeBackendCorrupted     = "backend_corrupted"
	CodeProtocolUnknown      = "protocol_unknown"
	CodeDuplicateProtocol    = "duplicate_protocol"
	CodeMethodNotSupported   = "method_not_supported"
	CodeProviderAlreadyBound = "provider_already_registered"
	CodeInternalError        = "internal_error"
)

func newKernelError(code, message string, err error) *KernelError {
	return &KernelError{Code: code, Message: message, Err: err}
}
