package engine

import "github.com/google/uuid"

// EventType names one of the engine's observable task/workflow
// transitions. Provider health changes are reported by package
// provider's own hook, not here.
type EventType string

const (
	EventTaskQueued        EventType = "task_queued"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskRetried       EventType = "task_retried"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
)

// Event is one observable occurrence emitted by the engine. TaskId is
// the zero uuid.UUID for workflow-level events.
type Event struct {
	Type       EventType
	WorkflowId uuid.UUID
	TaskId     uuid.UUID
}

// EventHandler receives Events emitted by an Engine. Delivery is
// synchronous and best-effort: a handler runs on the same goroutine
// that produced the event, so it must return quickly, and a panic
// inside it is recovered and logged rather than propagated — a
// misbehaving observer must never affect execution.
type EventHandler func(Event)

func (e *Engine) emit(typ EventType, workflowId, taskId uuid.UUID) {
	if e.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", "event", typ, "err", r)
		}
	}()
	e.onEvent(Event{Type: typ, WorkflowId: workflowId, TaskId: taskId})
}
