package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/backend/memory"
	"github.com/leifmarkthaler/gleitzeit/task"
)

func TestEnqueueClaimAck(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	if err := b.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, tk.Id, task.Normal.Rank()); err != nil {
		t.Fatal(err)
	}

	entries, err := b.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TaskId != tk.Id {
		t.Fatalf("expected to claim the enqueued task, got %+v", entries)
	}

	if err := b.Ack(ctx, entries[0]); err != nil {
		t.Fatal(err)
	}

	pending, err := b.LoadPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", len(pending))
	}
}

func TestClaimOrderingPriorityThenSeq(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	low := task.New(uuid.New(), "llm/generate", nil)
	low.Priority = task.Low
	high := task.New(uuid.New(), "llm/generate", nil)
	high.Priority = task.Urgent

	_ = b.PutTask(ctx, low)
	_ = b.PutTask(ctx, high)
	_ = b.Enqueue(ctx, low.Id, low.Priority.Rank())
	_ = b.Enqueue(ctx, high.Id, high.Priority.Rank())

	entries, err := b.ClaimNext(ctx, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].TaskId != high.Id {
		t.Fatalf("expected urgent task claimed first, got %+v", entries)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = b.PutTask(ctx, tk)
	_ = b.Enqueue(ctx, tk.Id, tk.Priority.Rank())

	if _, err := b.ClaimNext(ctx, 1, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	entries, err := b.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatal("expected task reclaimed after lease expiry")
	}
	if entries[0].Attempts != 2 {
		t.Fatalf("expected attempts incremented on reclaim, got %d", entries[0].Attempts)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	b := memory.New()
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = b.PutTask(ctx, tk)
	if err := b.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != backend.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
