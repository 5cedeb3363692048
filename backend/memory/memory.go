package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

type entryState struct {
	entry    backend.QueueEntry
	inFlight bool
	removed  bool
}

// entryHeap orders live (not in-flight, not removed) entries by
// (PriorityRank, EnqueueSeq), mirroring the claim order every
// implementation of backend.Backend must provide.
type entryHeap []*entryState

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.PriorityRank != h[j].entry.PriorityRank {
		return h[i].entry.PriorityRank < h[j].entry.PriorityRank
	}
	return h[i].entry.EnqueueSeq < h[j].entry.EnqueueSeq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entryState)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Backend is an in-process implementation of backend.Backend.
type Backend struct {
	mu sync.Mutex

	workflows map[uuid.UUID]*workflow.Workflow
	tasks     map[uuid.UUID]*task.Task

	entries map[uuid.UUID]*entryState
	live    entryHeap
	nextSeq int64
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		workflows: make(map[uuid.UUID]*workflow.Workflow),
		tasks:     make(map[uuid.UUID]*task.Task),
		entries:   make(map[uuid.UUID]*entryState),
	}
}

// Close is a no-op: the in-process backend owns no external resource.
func (b *Backend) Close(ctx context.Context) error { return nil }

func cloneWorkflow(w *workflow.Workflow) *workflow.Workflow {
	cp := *w
	cp.TaskOrder = append([]uuid.UUID(nil), w.TaskOrder...)
	return &cp
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.Dependencies = append([]uuid.UUID(nil), t.Dependencies...)
	if t.Params != nil {
		cp.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

func (b *Backend) PutWorkflow(ctx context.Context, w *workflow.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workflows[w.Id]; ok {
		return backend.ErrAlreadyExists
	}
	b.workflows[w.Id] = cloneWorkflow(w)
	return nil
}

func (b *Backend) GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workflows[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (b *Backend) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workflows[w.Id]; !ok {
		return backend.ErrNotFound
	}
	b.workflows[w.Id] = cloneWorkflow(w)
	return nil
}

func (b *Backend) ListWorkflows(ctx context.Context, filter backend.WorkflowFilter) ([]*workflow.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*workflow.Workflow
	for _, w := range b.workflows {
		if filter.Status != 0 && w.Status != filter.Status {
			continue
		}
		out = append(out, cloneWorkflow(w))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) PutTask(ctx context.Context, t *task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[t.Id]; ok {
		return backend.ErrAlreadyExists
	}
	b.tasks[t.Id] = cloneTask(t)
	return nil
}

func (b *Backend) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return cloneTask(t), nil
}

func (b *Backend) UpdateTask(ctx context.Context, t *task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[t.Id]; !ok {
		return backend.ErrNotFound
	}
	b.tasks[t.Id] = cloneTask(t)
	return nil
}

func (b *Backend) ListTasks(ctx context.Context, filter backend.TaskFilter) ([]*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*task.Task
	for _, t := range b.tasks {
		if filter.WorkflowId != uuid.Nil && t.WorkflowId != filter.WorkflowId {
			continue
		}
		if filter.Status != 0 && t.Status != filter.Status {
			continue
		}
		out = append(out, cloneTask(t))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) Enqueue(ctx context.Context, taskId uuid.UUID, priorityRank int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.entries[taskId]; ok && !st.removed {
		return backend.ErrAlreadyExists
	}
	b.nextSeq++
	st := &entryState{entry: backend.QueueEntry{
		TaskId:       taskId,
		PriorityRank: priorityRank,
		EnqueueSeq:   b.nextSeq,
	}}
	b.entries[taskId] = st
	heap.Push(&b.live, st)
	return nil
}

func (b *Backend) ClaimNext(ctx context.Context, batch int, lock time.Duration) ([]*backend.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	// Reclaim stale in-flight entries whose lease expired, then fall
	// through to the live heap for remaining capacity.
	var out []*backend.QueueEntry
	for _, st := range b.entries {
		if len(out) >= batch {
			break
		}
		if st.removed || !st.inFlight {
			continue
		}
		if st.entry.LockedUntil != nil && st.entry.LockedUntil.After(now) {
			continue
		}
		st.entry.Attempts++
		until := now.Add(lock)
		st.entry.LockedUntil = &until
		cp := st.entry
		out = append(out, &cp)
	}

	for len(out) < batch && b.live.Len() > 0 {
		st := heap.Pop(&b.live).(*entryState)
		if st.removed {
			continue
		}
		st.inFlight = true
		st.entry.Attempts++
		until := now.Add(lock)
		st.entry.LockedUntil = &until
		cp := st.entry
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) ExtendClaim(ctx context.Context, entry *backend.QueueEntry, lock time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[entry.TaskId]
	if !ok || st.removed || !st.inFlight {
		return backend.ErrClaimLost
	}
	until := time.Now().Add(lock)
	st.entry.LockedUntil = &until
	return nil
}

func (b *Backend) Ack(ctx context.Context, entry *backend.QueueEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[entry.TaskId]
	if !ok || st.removed || !st.inFlight {
		return backend.ErrClaimLost
	}
	st.removed = true
	delete(b.entries, entry.TaskId)
	return nil
}

func (b *Backend) Nack(ctx context.Context, entry *backend.QueueEntry, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[entry.TaskId]
	if !ok || st.removed || !st.inFlight {
		return backend.ErrClaimLost
	}
	st.inFlight = false
	st.entry.LockedUntil = nil
	if delay > 0 {
		until := time.Now().Add(delay)
		st.entry.LockedUntil = &until
		st.inFlight = true // held invisible until delay elapses, reclaimed by ClaimNext's stale sweep
	} else {
		heap.Push(&b.live, st)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, taskId uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[taskId]
	if !ok {
		return nil
	}
	st.removed = true
	delete(b.entries, taskId)
	return nil
}

func (b *Backend) LoadPending(ctx context.Context) ([]*backend.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*backend.QueueEntry, 0, len(b.entries))
	for _, st := range b.entries {
		if st.removed {
			continue
		}
		cp := st.entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityRank != out[j].PriorityRank {
			return out[i].PriorityRank < out[j].PriorityRank
		}
		return out[i].EnqueueSeq < out[j].EnqueueSeq
	})
	return out, nil
}
