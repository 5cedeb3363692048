package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend"
)

// ErrQueueFull is returned by Enqueue when the queue's soft capacity
// would be exceeded. A zero capacity disables the check.
var ErrQueueFull = errors.New("queue full")

// Queue is the kernel's durable task queue: a thin, idempotency- and
// capacity-aware layer over a backend.Backend.
type Queue struct {
	be       backend.Backend
	capacity int

	mu    sync.Mutex
	known map[uuid.UUID]struct{}
}

// New returns a Queue over be. Capacity is the soft cap on
// simultaneously live-or-in-flight entries; zero means unbounded.
func New(be backend.Backend, capacity int) *Queue {
	return &Queue{
		be:       be,
		capacity: capacity,
		known:    make(map[uuid.UUID]struct{}),
	}
}

// Start rebuilds the in-process idempotency set from the backend's
// durable state, so a restarted kernel does not double-enqueue tasks
// it had already accepted before crashing.
func (q *Queue) Start(ctx context.Context) error {
	entries, err := q.be.LoadPending(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.known[e.TaskId] = struct{}{}
	}
	return nil
}

// Enqueue durably records taskId as eligible for claiming. It is
// idempotent: re-enqueuing a taskId already known to this Queue
// instance (or recovered via Start) is a silent no-op rather than an
// error, so callers retrying after an uncertain outcome (e.g. a
// timeout writing to the backend) don't need to track whether their
// prior attempt succeeded.
func (q *Queue) Enqueue(ctx context.Context, taskId uuid.UUID, priorityRank int) error {
	q.mu.Lock()
	if _, ok := q.known[taskId]; ok {
		q.mu.Unlock()
		return nil
	}
	if q.capacity > 0 && len(q.known) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.mu.Unlock()

	if err := q.be.Enqueue(ctx, taskId, priorityRank); err != nil {
		if errors.Is(err, backend.ErrAlreadyExists) {
			q.mu.Lock()
			q.known[taskId] = struct{}{}
			q.mu.Unlock()
			return nil
		}
		return err
	}

	q.mu.Lock()
	q.known[taskId] = struct{}{}
	q.mu.Unlock()
	return nil
}

// Claim selects up to batch entries for processing, with lock as
// their visibility timeout.
func (q *Queue) Claim(ctx context.Context, batch int, lock time.Duration) ([]*backend.QueueEntry, error) {
	return q.be.ClaimNext(ctx, batch, lock)
}

// ExtendClaim pushes entry's visibility deadline forward, used by a
// worker still processing a long-running task.
func (q *Queue) ExtendClaim(ctx context.Context, entry *backend.QueueEntry, lock time.Duration) error {
	return q.be.ExtendClaim(ctx, entry, lock)
}

// Ack marks entry done and forgets it, freeing capacity for new
// enqueues.
func (q *Queue) Ack(ctx context.Context, entry *backend.QueueEntry) error {
	if err := q.be.Ack(ctx, entry); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.known, entry.TaskId)
	q.mu.Unlock()
	return nil
}

// Nack returns entry to the claimable pool, visible again after
// delay.
func (q *Queue) Nack(ctx context.Context, entry *backend.QueueEntry, delay time.Duration) error {
	return q.be.Nack(ctx, entry, delay)
}

// Remove drops taskId from the queue without requiring it be
// in-flight, used to cascade-skip dependents that will never run.
func (q *Queue) Remove(ctx context.Context, taskId uuid.UUID) error {
	if err := q.be.Remove(ctx, taskId); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.known, taskId)
	q.mu.Unlock()
	return nil
}
