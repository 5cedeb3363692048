package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/backend/kv"
	"github.com/leifmarkthaler/gleitzeit/task"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.New(rdb)
}

func TestEnqueueClaimAck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	if err := s.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TaskId != tk.Id {
		t.Fatalf("expected to claim the enqueued task, got %+v", entries)
	}

	if err := s.Ack(ctx, entries[0]); err != nil {
		t.Fatal(err)
	}
	pending, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", len(pending))
	}
}

func TestClaimOrderingPriorityThenSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := task.New(uuid.New(), "llm/generate", nil)
	low.Priority = task.Low
	high := task.New(uuid.New(), "llm/generate", nil)
	high.Priority = task.Urgent

	_ = s.PutTask(ctx, low)
	_ = s.PutTask(ctx, high)
	_ = s.Enqueue(ctx, low.Id, low.Priority.Rank())
	_ = s.Enqueue(ctx, high.Id, high.Priority.Rank())

	entries, err := s.ClaimNext(ctx, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].TaskId != high.Id {
		t.Fatalf("expected urgent task claimed first, got %+v", entries)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = s.PutTask(ctx, tk)
	if err := s.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != backend.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestNackWithoutDelayReturnsToLivePool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = s.PutTask(ctx, tk)
	_ = s.Enqueue(ctx, tk.Id, tk.Priority.Rank())

	entries, err := s.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Nack(ctx, entries[0], 0); err != nil {
		t.Fatal(err)
	}

	again, err := s.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatal("expected task reclaimable immediately after a zero-delay nack")
	}
}
