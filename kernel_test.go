package gleitzeit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leifmarkthaler/gleitzeit/backend/memory"
	"github.com/leifmarkthaler/gleitzeit/protocol"
	"github.com/leifmarkthaler/gleitzeit/provider"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

// echoProvider reflects its "in" param back as "echo", optionally
// failing its first N invocations retryably.
type echoProvider struct {
	methods   map[string]struct{}
	failCount int32
}

func newEchoProvider(verb string) *echoProvider {
	return &echoProvider{methods: map[string]struct{}{verb: {}}}
}

func (p *echoProvider) Initialize(ctx context.Context) error { return nil }
func (p *echoProvider) SupportedMethods() map[string]struct{} { return p.methods }
func (p *echoProvider) HealthProbe(ctx context.Context) (provider.Health, error) {
	return provider.HealthHealthy, nil
}
func (p *echoProvider) Release(ctx context.Context) error { return nil }

func (p *echoProvider) Invoke(ctx context.Context, method string, params map[string]any, cancel <-chan struct{}) (map[string]any, *provider.Error) {
	if atomic.LoadInt32(&p.failCount) > 0 {
		atomic.AddInt32(&p.failCount, -1)
		return nil, &provider.Error{Code: "transient", Message: "try again", Retryable: true}
	}
	return map[string]any{"echo": params["in"]}, nil
}

func newTestKernel(t *testing.T, protoName, verb string, p provider.Provider) (*Kernel, func()) {
	t.Helper()
	be := memory.New()
	k := New(be, KernelConfig{
		Workers:           2,
		QueuePullInterval: 10 * time.Millisecond,
		QueueLockTimeout:  time.Second,
	}, nil)

	if err := k.RegisterProtocol(&protocol.ProtocolSpec{
		Identifier: protoName + "/v1",
		Methods:    []protocol.MethodSpec{{Name: verb}},
	}); err != nil {
		t.Fatalf("register protocol: %v", err)
	}
	if err := k.RegisterProvider("prov-1", protoName+"/v1", p, []string{verb}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := k.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return k, func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = k.Stop(stopCtx)
		cancel()
	}
}

func TestSubmitWorkflowRunsToCompletion(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	sub := WorkflowSubmission{
		Name: "greeting",
		Tasks: []TaskSubmission{
			{Id: "first", Method: "llm/generate", Params: map[string]any{"in": "hello"}},
			{
				Id:           "second",
				Method:       "llm/generate",
				Dependencies: []string{"first"},
				Params:       map[string]any{"in": "${first.echo}"},
			},
		},
	}

	workflowId, err := k.SubmitWorkflow(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit workflow: %v", err)
	}

	w, err := k.WaitForWorkflow(context.Background(), workflowId, 2*time.Second)
	if err != nil {
		t.Fatalf("wait for workflow: %v", err)
	}
	if w.Status != workflow.Completed {
		t.Fatalf("expected workflow completed, got %s", w.Status)
	}
}

func TestSubmitTaskConvenience(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	taskId, err := k.SubmitTask(context.Background(), TaskSubmission{
		Id:     "solo",
		Method: "llm/generate",
		Params: map[string]any{"in": "x"},
	})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *task.Task
	for time.Now().Before(deadline) {
		got, err = k.GetTask(context.Background(), taskId)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Status != task.Completed {
		t.Fatalf("expected task completed, got %s", got.Status)
	}
}

func TestSubmitWorkflowRejectsUnknownDependency(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	_, err := k.SubmitWorkflow(context.Background(), WorkflowSubmission{
		Name: "broken",
		Tasks: []TaskSubmission{
			{Id: "only", Method: "llm/generate", Dependencies: []string{"ghost"}},
		},
	})
	if err == nil {
		t.Fatal("expected unknown dependency error")
	}
	kerr, ok := err.(*KernelError)
	if !ok || kerr.Code != CodeUnknownDependency {
		t.Fatalf("expected CodeUnknownDependency, got %v", err)
	}
}

func TestSubmitWorkflowRejectsCycle(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	_, err := k.SubmitWorkflow(context.Background(), WorkflowSubmission{
		Name: "cyclic",
		Tasks: []TaskSubmission{
			{Id: "a", Method: "llm/generate", Dependencies: []string{"b"}},
			{Id: "b", Method: "llm/generate", Dependencies: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	kerr, ok := err.(*KernelError)
	if !ok || kerr.Code != CodeCircularDependency {
		t.Fatalf("expected CodeCircularDependency, got %v", err)
	}
}

func TestSubmitWorkflowRejectsMalformedMethod(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	_, err := k.SubmitWorkflow(context.Background(), WorkflowSubmission{
		Name: "malformed",
		Tasks: []TaskSubmission{
			{Id: "only", Method: "not-a-method"},
		},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	kerr, ok := err.(*KernelError)
	if !ok || kerr.Code != CodeValidationError {
		t.Fatalf("expected CodeValidationError, got %v", err)
	}
}

func TestCancelWorkflowViaKernel(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	sub := WorkflowSubmission{
		Name: "cancel-me",
		Tasks: []TaskSubmission{
			{Id: "a", Method: "llm/generate", Params: map[string]any{"in": "x"}},
			{Id: "b", Method: "llm/generate", Dependencies: []string{"a"}},
		},
	}
	workflowId, err := k.SubmitWorkflow(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := k.CancelWorkflow(context.Background(), workflowId); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	w, err := k.WaitForWorkflow(context.Background(), workflowId, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if w.Status != workflow.Cancelled {
		t.Fatalf("expected cancelled, got %s", w.Status)
	}
}

func TestDoubleStartReturnsError(t *testing.T) {
	p := newEchoProvider("generate")
	k, stop := newTestKernel(t, "llm", "generate", p)
	defer stop()

	if err := k.Start(context.Background()); err != ErrDoubleStarted {
		t.Fatalf("expected ErrDoubleStarted, got %v", err)
	}
}
