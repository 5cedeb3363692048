package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend/memory"
	"github.com/leifmarkthaler/gleitzeit/protocol"
	"github.com/leifmarkthaler/gleitzeit/provider"
	"github.com/leifmarkthaler/gleitzeit/queue"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

// stubProvider is a minimal provider.Provider whose Invoke behavior is
// configurable per test: fail a fixed number of times (retryably),
// then succeed, or fail fatally outright.
type stubProvider struct {
	methods      map[string]struct{}
	failCount    int32
	failFatally  bool
	invocations  int32
}

func newStub(verb string) *stubProvider {
	return &stubProvider{methods: map[string]struct{}{verb: {}}}
}

func (s *stubProvider) Initialize(ctx context.Context) error { return nil }
func (s *stubProvider) SupportedMethods() map[string]struct{} { return s.methods }
func (s *stubProvider) HealthProbe(ctx context.Context) (provider.Health, error) {
	return provider.HealthHealthy, nil
}
func (s *stubProvider) Release(ctx context.Context) error { return nil }

func (s *stubProvider) Invoke(ctx context.Context, method string, params map[string]any, cancel <-chan struct{}) (map[string]any, *provider.Error) {
	atomic.AddInt32(&s.invocations, 1)
	if s.failFatally {
		return nil, &provider.Error{Code: "fatal", Message: "boom", Retryable: false}
	}
	if atomic.LoadInt32(&s.failCount) > 0 {
		atomic.AddInt32(&s.failCount, -1)
		return nil, &provider.Error{Code: "transient", Message: "try again", Retryable: true}
	}
	return map[string]any{"echo": params["in"]}, nil
}

func newHarness(t *testing.T, protoName, verb string, p provider.Provider) (*Engine, *memory.Backend, *queue.Queue, func()) {
	t.Helper()
	be := memory.New()
	q := queue.New(be, 0)
	registry := protocol.NewRegistry()
	if err := registry.RegisterProtocol(&protocol.ProtocolSpec{
		Identifier: protoName + "/v1",
		Methods:    []protocol.MethodSpec{{Name: verb}},
	}); err != nil {
		t.Fatalf("register protocol: %v", err)
	}
	lm := provider.NewLifecycleManager(50*time.Millisecond, 10*time.Millisecond, nil)
	entry, err := lm.Register("prov-1", protoName+"/v1", p)
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	entry.Handle.Initialize(context.Background())
	if err := registry.RegisterProvider("prov-1", protoName+"/v1", entry, []string{verb}); err != nil {
		t.Fatalf("register provider binding: %v", err)
	}
	// the probe result is discarded; lm.InitAll below marks the
	// provider healthy, since LifecycleManager's background loop is
	// never started in these short tests
	h, _ := p.HealthProbe(context.Background())
	_ = h

	eng := New(be, q, registry, lm, Config{
		Workers:      2,
		QueueSize:    16,
		BatchSize:    4,
		PullInterval: 10 * time.Millisecond,
		LockTimeout:  time.Second,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	lm.InitAll(ctx)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	return eng, be, q, func() {
		eng.Stop(time.Second)
		cancel()
	}
}

func waitForStatus(t *testing.T, be *memory.Backend, id uuid.UUID, want task.Status, timeout time.Duration) *task.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tk, err := be.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if tk.Status == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", id, want)
	return nil
}

func waitForWorkflowStatus(t *testing.T, be *memory.Backend, id uuid.UUID, want workflow.Status, timeout time.Duration) *workflow.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w, err := be.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if w.Status == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s in time", id, want)
	return nil
}

func TestSuccessfulTaskChain(t *testing.T) {
	p := newStub("generate")
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("chain", "", workflow.StopOnFirstFailure)
	t1 := task.New(w.Id, "llm/generate", map[string]any{"in": "hello"})
	t2 := task.New(w.Id, "llm/generate", map[string]any{
		"in": "${" + t1.Id.String() + ".echo}",
	})

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{t1, t2}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, be, t1.Id, task.Completed, 2*time.Second)
	done2 := waitForStatus(t, be, t2.Id, task.Completed, 2*time.Second)
	if done2.Result["echo"] != "hello" {
		t.Fatalf("expected substituted result, got %v", done2.Result)
	}
	waitForWorkflowStatus(t, be, w.Id, workflow.Completed, 2*time.Second)
}

func TestRetryThenSucceed(t *testing.T) {
	p := newStub("generate")
	atomic.StoreInt32(&p.failCount, 2)
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("retry", "", workflow.StopOnFirstFailure)
	tk := task.New(w.Id, "llm/generate", map[string]any{"in": "x"})
	tk.Retry = task.RetryPolicy{MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{tk}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, be, tk.Id, task.Completed, 2*time.Second)
	if atomic.LoadInt32(&p.invocations) < 3 {
		t.Fatalf("expected at least 3 invocations, got %d", p.invocations)
	}
}

func TestRetryExhaustionStopsAtMaxAttempts(t *testing.T) {
	p := newStub("generate")
	p.failFatally = false
	atomic.StoreInt32(&p.failCount, 1<<30) // never succeeds on its own
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("exhaust", "", workflow.StopOnFirstFailure)
	tk := task.New(w.Id, "llm/generate", map[string]any{"in": "x"})
	tk.Retry = task.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{tk}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStatus(t, be, tk.Id, task.Failed, 2*time.Second)
	if done.AttemptCount != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", done.AttemptCount)
	}
	// Give any erroneous extra retry a chance to land before asserting
	// the invocation count is final.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&p.invocations); got != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", got)
	}
}

// blockingStub never returns from Invoke until its cancel channel
// closes, used to exercise CancelWorkflow against a Running task.
type blockingStub struct {
	methods map[string]struct{}
	started chan struct{}
}

func newBlockingStub(verb string) *blockingStub {
	return &blockingStub{methods: map[string]struct{}{verb: {}}, started: make(chan struct{}, 1)}
}

func (s *blockingStub) Initialize(ctx context.Context) error { return nil }
func (s *blockingStub) SupportedMethods() map[string]struct{} { return s.methods }
func (s *blockingStub) HealthProbe(ctx context.Context) (provider.Health, error) {
	return provider.HealthHealthy, nil
}
func (s *blockingStub) Release(ctx context.Context) error { return nil }

func (s *blockingStub) Invoke(ctx context.Context, method string, params map[string]any, cancel <-chan struct{}) (map[string]any, *provider.Error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-cancel
	return nil, &provider.Error{Code: "cancelled", Message: "invocation cancelled", Retryable: false}
}

func TestCancelWorkflowMidInvocation(t *testing.T) {
	p := newBlockingStub("generate")
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("cancel-me", "", workflow.SkipDependents)
	tk := task.New(w.Id, "llm/generate", map[string]any{"in": "x"})

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{tk}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := eng.CancelWorkflow(context.Background(), w.Id); err != nil {
		t.Fatalf("cancel workflow: %v", err)
	}

	waitForStatus(t, be, tk.Id, task.Cancelled, 2*time.Second)
	waitForWorkflowStatus(t, be, w.Id, workflow.Cancelled, 2*time.Second)
}

func TestCancelWorkflowPendingTasks(t *testing.T) {
	p := newStub("generate")
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("cancel-pending", "", workflow.SkipDependents)
	t1 := task.New(w.Id, "llm/generate", map[string]any{"in": "x"})
	t2 := task.New(w.Id, "llm/generate", map[string]any{"in": "y"})
	t2.Dependencies = []uuid.UUID{t1.Id}

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{t1, t2}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// t2 is still Pending behind its dependency; cancel before it is
	// ever queued.
	if err := eng.CancelWorkflow(context.Background(), w.Id); err != nil {
		t.Fatalf("cancel workflow: %v", err)
	}

	waitForWorkflowStatus(t, be, w.Id, workflow.Cancelled, 2*time.Second)
	t2Final, err := be.GetTask(context.Background(), t2.Id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if t2Final.Status != task.Cancelled {
		t.Fatalf("expected t2 cancelled, got %s", t2Final.Status)
	}
}

func TestFatalFailureCascadesSkipDependents(t *testing.T) {
	p := newStub("generate")
	p.failFatally = true
	eng, be, _, stop := newHarness(t, "llm", "generate", p)
	defer stop()

	w := workflow.New("cascade", "", workflow.SkipDependents)
	t1 := task.New(w.Id, "llm/generate", map[string]any{"in": "x"})
	t1.Retry = task.RetryPolicy{MaxAttempts: 1}
	t2 := task.New(w.Id, "llm/generate", map[string]any{"in": "y"})
	t2.Dependencies = []uuid.UUID{t1.Id}

	if err := eng.SubmitWorkflow(context.Background(), w, []*task.Task{t1, t2}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, be, t1.Id, task.Failed, 2*time.Second)
	waitForStatus(t, be, t2.Id, task.Skipped, 2*time.Second)
	waitForWorkflowStatus(t, be, w.Id, workflow.Failed, 2*time.Second)
}
