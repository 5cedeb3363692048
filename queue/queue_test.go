package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend/memory"
	"github.com/leifmarkthaler/gleitzeit/queue"
	"github.com/leifmarkthaler/gleitzeit/task"
)

func TestEnqueueIsIdempotent(t *testing.T) {
	be := memory.New()
	q := queue.New(be, 0)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = be.PutTask(ctx, tk)

	if err := q.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatalf("expected idempotent re-enqueue to succeed silently, got %v", err)
	}

	entries, err := q.Claim(ctx, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one claimable entry, got %d", len(entries))
	}
}

func TestStartRebuildsIdempotencySet(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = be.PutTask(ctx, tk)
	_ = be.Enqueue(ctx, tk.Id, tk.Priority.Rank())

	q := queue.New(be, 0)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatalf("expected recovered enqueue to be idempotent, got %v", err)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	be := memory.New()
	q := queue.New(be, 1)
	ctx := context.Background()

	a := task.New(uuid.New(), "llm/generate", nil)
	b := task.New(uuid.New(), "llm/generate", nil)
	_ = be.PutTask(ctx, a)
	_ = be.PutTask(ctx, b)

	if err := q.Enqueue(ctx, a.Id, a.Priority.Rank()); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, b.Id, b.Priority.Rank()); err != queue.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
