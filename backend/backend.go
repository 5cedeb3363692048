package backend

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

// QueueEntry is the durable record backing one queued task. EnqueueSeq
// is assigned by the store at Enqueue time and is strictly increasing;
// together with PriorityRank it defines claim order: lowest
// PriorityRank first, ties broken by lowest EnqueueSeq (FIFO within a
// priority class).
type QueueEntry struct {
	TaskId       uuid.UUID
	PriorityRank int
	EnqueueSeq   int64
	Attempts     uint32
	LockedUntil  *time.Time
}

// TaskFilter narrows ListTasks to a subset of a workflow's tasks.
// A zero value (Status == task.Unknown) applies no status filter.
type TaskFilter struct {
	WorkflowId uuid.UUID
	Status     task.Status
	Limit      int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status workflow.Status
	Limit  int
}

// Backend is the uniform persistence contract implemented by
// backend/memory, backend/sql, and backend/kv. It hides its storage
// vocabulary (SQL rows, KV keys, in-process maps) behind domain
// operations on workflows, tasks, and the durable task queue.
//
// Implementations must provide at-least-once queue delivery: Claim
// transitions entries to an in-flight state with a visibility
// deadline; an entry whose deadline elapses without an Ack/Nack
// becomes claimable again. LoadPending must let a fresh process
// rebuild its queue-order and in-flight bookkeeping after a restart.
type Backend interface {
	// PutWorkflow inserts a new workflow record. ErrAlreadyExists if
	// w.Id is already stored.
	PutWorkflow(ctx context.Context, w *workflow.Workflow) error
	// GetWorkflow returns the workflow snapshot for id, or ErrNotFound.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error)
	// UpdateWorkflow persists an updated workflow snapshot in place.
	UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error
	// ListWorkflows returns workflows matching filter.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*workflow.Workflow, error)

	// PutTask inserts a new task record. ErrAlreadyExists if t.Id is
	// already stored.
	PutTask(ctx context.Context, t *task.Task) error
	// GetTask returns the task snapshot for id, or ErrNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	// UpdateTask persists an updated task snapshot in place.
	UpdateTask(ctx context.Context, t *task.Task) error
	// ListTasks returns tasks matching filter.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)

	// Enqueue durably records taskId as eligible for claiming,
	// assigning it EnqueueSeq and priorityRank. ErrAlreadyExists if
	// taskId is already enqueued (live or in-flight), giving Enqueue
	// idempotent semantics for callers that retry after a crash.
	Enqueue(ctx context.Context, taskId uuid.UUID, priorityRank int) error
	// ClaimNext selects up to batch eligible entries (not locked, or
	// whose lock has expired) ordered by (PriorityRank, EnqueueSeq),
	// and atomically marks them in-flight with lockedUntil = now+lock.
	ClaimNext(ctx context.Context, batch int, lock time.Duration) ([]*QueueEntry, error)
	// ExtendClaim pushes entry's visibility deadline forward by lock.
	// ErrClaimLost if the entry is no longer in-flight under this
	// caller's claim.
	ExtendClaim(ctx context.Context, entry *QueueEntry, lock time.Duration) error
	// Ack removes entry from the queue entirely, marking it done.
	// ErrClaimLost if the entry is not currently in-flight.
	Ack(ctx context.Context, entry *QueueEntry) error
	// Nack returns entry to the claimable pool, visible again after
	// delay. ErrClaimLost if the entry is not currently in-flight.
	Nack(ctx context.Context, entry *QueueEntry, delay time.Duration) error
	// Remove deletes entry from the queue without requiring it be
	// in-flight, used to cascade-skip dependents that will never run.
	Remove(ctx context.Context, taskId uuid.UUID) error

	// LoadPending returns every queue entry not yet acked, live or
	// in-flight, in (PriorityRank, EnqueueSeq) order. Callers use it
	// to rebuild in-process queue state after a restart.
	LoadPending(ctx context.Context) ([]*QueueEntry, error)

	// Close releases any resources the backend owns (a connection
	// pool, a client handle). It is called once, as the final step of
	// kernel shutdown, after every in-flight task has settled or been
	// cancelled.
	Close(ctx context.Context) error
}
