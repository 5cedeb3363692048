package task

import (
	"time"

	"github.com/google/uuid"
)

// Error is the structured, terminal-failure payload recorded on a
// task. Code is a stable identifier (see the classification in
// package engine); Message is a
// human-readable summary; Retryable records whether the originating
// failure was classified retryable at the time it was recorded (a task
// only reaches Error after retries, if any, are exhausted); Data
// carries optional provider-supplied structured detail.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Task is one invocation of a method, scheduled by the kernel.
//
// Task embeds no transport type; Params, Result and Error are opaque
// JSON-compatible trees (map[string]any, []any, or scalars) so that
// provider payloads of arbitrary shape can flow through unchanged.
type Task struct {
	Id         uuid.UUID
	WorkflowId uuid.UUID

	// Method must reference a registered protocol's method, in
	// "<protocol>/<verb>" form (e.g. "llm/generate").
	Method string

	// Params may contain "${task_id.path}" substitution references;
	// see package substitution.
	Params map[string]any

	Priority Priority

	// Dependencies holds the ids of tasks, within the same workflow,
	// that must reach Completed before this task may be scheduled; a
	// Skipped dependency never makes this task ready.
	Dependencies []uuid.UUID

	TimeoutSeconds int64
	Retry          RetryPolicy

	Status       Status
	AttemptCount uint32

	// Result is populated exactly once, on success, and is immutable
	// thereafter.
	Result map[string]any

	// Error is populated exactly once, on terminal failure.
	Error *Error

	CreatedAt time.Time
	QueuedAt  *time.Time
	StartedAt *time.Time
	FinishedAt *time.Time
}

// New creates a Task in the Pending state with a freshly generated id.
func New(workflowId uuid.UUID, method string, params map[string]any) *Task {
	return &Task{
		Id:         uuid.New(),
		WorkflowId: workflowId,
		Method:     method,
		Params:     params,
		Priority:   Normal,
		Retry:      DefaultRetryPolicy(),
		Status:     Pending,
		CreatedAt:  time.Now(),
	}
}

// HasDependency reports whether id appears in t.Dependencies.
func (t *Task) HasDependency(id uuid.UUID) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}
