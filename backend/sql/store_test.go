package sql_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	gsql "github.com/leifmarkthaler/gleitzeit/backend/sql"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

func TestPutAndGetWorkflow(t *testing.T) {
	db := newTestDB(t)
	store := gsql.New(db)
	ctx := context.Background()

	w := workflow.New("demo", "", workflow.StopOnFirstFailure)
	if err := store.PutWorkflow(ctx, w); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetWorkflow(ctx, w.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "demo" {
		t.Fatalf("expected name %q, got %q", "demo", got.Name)
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	db := newTestDB(t)
	store := gsql.New(db)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	if err := store.PutTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}

	entries, err := store.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TaskId != tk.Id {
		t.Fatalf("expected to claim the enqueued task, got %+v", entries)
	}
	if entries[0].Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", entries[0].Attempts)
	}

	if err := store.Ack(ctx, entries[0]); err != nil {
		t.Fatal(err)
	}
	pending, err := store.LoadPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", len(pending))
	}
}

func TestNackReturnsToPool(t *testing.T) {
	db := newTestDB(t)
	store := gsql.New(db)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = store.PutTask(ctx, tk)
	_ = store.Enqueue(ctx, tk.Id, tk.Priority.Rank())

	entries, err := store.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Nack(ctx, entries[0], 0); err != nil {
		t.Fatal(err)
	}

	again, err := store.ClaimNext(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatal("expected task reclaimable immediately after a zero-delay nack")
	}
}

func TestClaimOrderingPriorityThenSeq(t *testing.T) {
	db := newTestDB(t)
	store := gsql.New(db)
	ctx := context.Background()

	low := task.New(uuid.New(), "llm/generate", nil)
	low.Priority = task.Low
	high := task.New(uuid.New(), "llm/generate", nil)
	high.Priority = task.Urgent

	_ = store.PutTask(ctx, low)
	_ = store.PutTask(ctx, high)
	_ = store.Enqueue(ctx, low.Id, low.Priority.Rank())
	_ = store.Enqueue(ctx, high.Id, high.Priority.Rank())

	entries, err := store.ClaimNext(ctx, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].TaskId != high.Id {
		t.Fatalf("expected urgent task claimed first, got %+v", entries)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	db := newTestDB(t)
	store := gsql.New(db)
	ctx := context.Background()

	tk := task.New(uuid.New(), "llm/generate", nil)
	_ = store.PutTask(ctx, tk)
	if err := store.Enqueue(ctx, tk.Id, tk.Priority.Rank()); err != nil {
		t.Fatal(err)
	}
	err := store.Enqueue(ctx, tk.Id, tk.Priority.Rank())
	if err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
}
