package gleitzeit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/engine"
	"github.com/leifmarkthaler/gleitzeit/internal"
	"github.com/leifmarkthaler/gleitzeit/metrics"
	"github.com/leifmarkthaler/gleitzeit/protocol"
	"github.com/leifmarkthaler/gleitzeit/provider"
	"github.com/leifmarkthaler/gleitzeit/queue"
	"github.com/leifmarkthaler/gleitzeit/resolver"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

const (
	stopped = iota
	started
)

// KernelConfig controls every tunable of a Kernel's subsystems. Zero
// values are replaced by withDefaults with settings appropriate for a
// single-node deployment.
type KernelConfig struct {
	// Workers is the execution engine's worker pool size.
	Workers int
	// QueueCapacity is the queue's soft cap on live-or-in-flight
	// entries; zero means unbounded.
	QueueCapacity int
	// QueueBatchSize is how many entries the engine claims per poll.
	QueueBatchSize int
	// QueuePullInterval is how often the engine polls the queue.
	QueuePullInterval time.Duration
	// QueueLockTimeout is a claimed entry's visibility timeout.
	QueueLockTimeout time.Duration

	// ProviderProbeInterval is how often the lifecycle manager
	// health-probes every registered provider.
	ProviderProbeInterval time.Duration
	// ProviderProbeTimeout bounds a single health probe call.
	ProviderProbeTimeout time.Duration
	// ProviderShutdownDeadline bounds a single provider's Release call
	// during Stop.
	ProviderShutdownDeadline time.Duration

	// MetricsSampleInterval is how often queue-depth/in-flight gauges
	// are refreshed.
	MetricsSampleInterval time.Duration

	// StopDrainTimeout bounds how long Stop waits for in-flight tasks
	// to finish before giving up on a graceful drain.
	StopDrainTimeout time.Duration
}

func (c KernelConfig) withDefaults() KernelConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueBatchSize <= 0 {
		c.QueueBatchSize = c.Workers
	}
	if c.QueuePullInterval <= 0 {
		c.QueuePullInterval = 200 * time.Millisecond
	}
	if c.QueueLockTimeout <= 0 {
		c.QueueLockTimeout = 30 * time.Second
	}
	if c.ProviderProbeInterval <= 0 {
		c.ProviderProbeInterval = 15 * time.Second
	}
	if c.ProviderProbeTimeout <= 0 {
		c.ProviderProbeTimeout = 5 * time.Second
	}
	if c.ProviderShutdownDeadline <= 0 {
		c.ProviderShutdownDeadline = 10 * time.Second
	}
	if c.MetricsSampleInterval <= 0 {
		c.MetricsSampleInterval = 5 * time.Second
	}
	if c.StopDrainTimeout <= 0 {
		c.StopDrainTimeout = 30 * time.Second
	}
	return c
}

// Kernel owns every subsystem and is the sole entry point consumed by
// a CLI, an SDK, or an external workflow loader.
type Kernel struct {
	state atomic.Int32

	cfg KernelConfig
	log *slog.Logger

	be        backend.Backend
	q         *queue.Queue
	registry  *protocol.Registry
	lifecycle *provider.LifecycleManager
	eng       *engine.Engine
	events    *eventBus
	validate  *validator.Validate

	metricsTask internal.TimerTask
}

// New constructs a Kernel over be. Callers must call RegisterProtocol
// and RegisterProvider for every protocol/provider the deployment
// needs before calling Start.
func New(be backend.Backend, cfg KernelConfig, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	bus := newEventBus(log)
	registry := protocol.NewRegistry()
	lifecycle := provider.NewLifecycleManager(cfg.ProviderProbeInterval, cfg.ProviderProbeTimeout, log)
	lifecycle.SetOnHealthChange(func(providerId string, h provider.Health) {
		metrics.ProviderHealth.WithLabelValues(providerId).Set(healthGaugeValue(h))
		bus.emit(Event{Type: EventProviderHealthChanged, ProviderId: providerId, Health: h})
	})

	q := queue.New(be, cfg.QueueCapacity)
	eng := engine.New(be, q, registry, lifecycle, engine.Config{
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueCapacity,
		BatchSize:    cfg.QueueBatchSize,
		PullInterval: cfg.QueuePullInterval,
		LockTimeout:  cfg.QueueLockTimeout,
		OnEvent: func(ev engine.Event) {
			bus.emit(Event{Type: EventType(ev.Type), WorkflowId: ev.WorkflowId, TaskId: ev.TaskId})
		},
	}, log)

	v := validator.New()
	_ = v.RegisterValidation("method", validateMethodTag)

	return &Kernel{
		cfg:       cfg,
		log:       log,
		be:        be,
		q:         q,
		registry:  registry,
		lifecycle: lifecycle,
		eng:       eng,
		events:    bus,
		validate:  v,
	}
}

func healthGaugeValue(h provider.Health) float64 {
	switch h {
	case provider.HealthHealthy:
		return 3
	case provider.HealthDegraded:
		return 2
	case provider.HealthUnhealthy:
		return 0
	default:
		return 1
	}
}

func validateMethodTag(fl validator.FieldLevel) bool {
	_, _, ok := protocol.SplitMethod(fl.Field().String())
	return ok
}

// Subscribe registers h to receive every Event the kernel emits.
func (k *Kernel) Subscribe(h EventHandler) {
	k.events.Subscribe(h)
}

// RegisterProtocol adds spec to the kernel's protocol registry. Only
// valid before Start, or while Start has not yet been called for the
// first time; the registry itself is read-mostly and safe to read
// concurrently with dispatch once providers are bound.
func (k *Kernel) RegisterProtocol(spec *protocol.ProtocolSpec) error {
	if err := k.registry.RegisterProtocol(spec); err != nil {
		if errors.Is(err, protocol.ErrDuplicateProtocol) {
			return newKernelError(CodeDuplicateProtocol, fmt.Sprintf("protocol %q already registered", spec.Identifier), err)
		}
		return newKernelError(CodeInternalError, "register protocol failed", err)
	}
	return nil
}

// RegisterProvider registers p under providerId against protocolId,
// binding it in the protocol registry for supportedMethods. It does
// not call p.Initialize; that happens for every registered provider
// when Start runs InitAll.
func (k *Kernel) RegisterProvider(providerId, protocolId string, p provider.Provider, supportedMethods []string) error {
	entry, err := k.lifecycle.Register(providerId, protocolId, p)
	if err != nil {
		if errors.Is(err, provider.ErrAlreadyRegistered) {
			return newKernelError(CodeProviderAlreadyBound, fmt.Sprintf("provider %q already registered", providerId), err)
		}
		return newKernelError(CodeInternalError, "register provider failed", err)
	}
	if err := k.registry.RegisterProvider(providerId, protocolId, entry, supportedMethods); err != nil {
		switch {
		case errors.Is(err, protocol.ErrProtocolUnknown):
			return newKernelError(CodeProtocolUnknown, fmt.Sprintf("protocol %q not registered", protocolId), err)
		case errors.Is(err, protocol.ErrMethodNotSupported):
			return newKernelError(CodeMethodNotSupported, fmt.Sprintf("provider %q declares an unsupported method", providerId), err)
		default:
			return newKernelError(CodeInternalError, "bind provider failed", err)
		}
	}
	return nil
}

// Start brings the kernel up: it rebuilds the queue's idempotency set
// from the backend, initializes every registered provider, launches
// the provider health-probe loop, the execution engine, and the
// metrics sampler.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.state.CompareAndSwap(stopped, started) {
		return ErrDoubleStarted
	}
	if err := k.q.Start(ctx); err != nil {
		return newKernelError(CodeBackendUnavailable, "queue recovery failed", err)
	}
	k.lifecycle.InitAll(ctx)
	k.lifecycle.Start(ctx)
	if err := k.eng.Start(ctx); err != nil {
		return newKernelError(CodeInternalError, "engine start failed", err)
	}
	k.metricsTask.Start(ctx, k.sampleMetrics, k.cfg.MetricsSampleInterval)
	return nil
}

// Stop quiesces the kernel: it stops the metrics sampler, lets
// in-flight tasks drain up to StopDrainTimeout, stops the health-probe
// loop, releases every provider exactly once, and finally closes the
// persistence backend.
func (k *Kernel) Stop(ctx context.Context) error {
	if !k.state.CompareAndSwap(started, stopped) {
		return ErrDoubleStopped
	}
	k.metricsTask.Stop()
	if err := k.eng.Stop(k.cfg.StopDrainTimeout); err != nil {
		k.log.Warn("engine did not drain within deadline", "err", err)
	}
	<-k.lifecycle.Stop()
	k.lifecycle.ShutdownAll(ctx, k.cfg.ProviderShutdownDeadline)
	if err := k.be.Close(ctx); err != nil {
		k.log.Error("backend close failed", "err", err)
		return newKernelError(CodeBackendUnavailable, "backend close failed", err)
	}
	return nil
}

func (k *Kernel) sampleMetrics(ctx context.Context) {
	entries, err := k.be.LoadPending(ctx)
	if err != nil {
		k.log.Warn("metrics sample failed", "err", err)
		return
	}
	now := time.Now()
	var waiting, inFlight float64
	for _, e := range entries {
		if e.LockedUntil != nil && e.LockedUntil.After(now) {
			inFlight++
		} else {
			waiting++
		}
	}
	metrics.QueueDepth.Set(waiting)
	metrics.QueueInFlight.Set(inFlight)
}

// RetrySubmission is the wire-level shape of a task's "retry" map.
type RetrySubmission struct {
	MaxAttempts uint32        `validate:"omitempty,gte=1"`
	BackoffBase time.Duration `validate:"gte=0"`
	BackoffCap  time.Duration `validate:"gte=0"`
	Jitter      bool
}

// TaskSubmission is the wire-level shape of one task entry in a
// workflow submission. Id is a caller-chosen string, unique within
// the submission; Dependencies and any "${id.path}"
// references inside Params use these same caller-chosen ids. The
// kernel assigns each a stable internal uuid.UUID and rewrites
// references accordingly.
type TaskSubmission struct {
	Id             string           `validate:"required"`
	Method         string           `validate:"required,method"`
	Params         map[string]any
	Dependencies   []string
	Priority       string
	TimeoutSeconds int64 `validate:"gte=0"`
	Retry          *RetrySubmission
}

// WorkflowSubmission is the normalized in-memory submission format
// for a workflow. Tasks is ordered for display purposes only;
// execution order is derived from dependencies.
type WorkflowSubmission struct {
	Name            string `validate:"required"`
	Description     string
	FailureStrategy string
	Tasks           []TaskSubmission `validate:"required,min=1,dive"`
}

// SubmitWorkflow validates sub, builds its Workflow and Task records,
// runs cycle/reference detection, persists everything, and enqueues
// its initial ready set. It returns the newly assigned workflow id.
func (k *Kernel) SubmitWorkflow(ctx context.Context, sub WorkflowSubmission) (uuid.UUID, error) {
	wf, _, err := k.submit(ctx, sub)
	if err != nil {
		return uuid.UUID{}, err
	}
	return wf.Id, nil
}

// SubmitTask is a convenience wrapper that creates a single-task
// workflow and returns the assigned task id.
func (k *Kernel) SubmitTask(ctx context.Context, ts TaskSubmission) (uuid.UUID, error) {
	sub := WorkflowSubmission{
		Name:  "task:" + ts.Id,
		Tasks: []TaskSubmission{ts},
	}
	_, idMap, err := k.submit(ctx, sub)
	if err != nil {
		return uuid.UUID{}, err
	}
	return idMap[ts.Id], nil
}

func (k *Kernel) submit(ctx context.Context, sub WorkflowSubmission) (*workflow.Workflow, map[string]uuid.UUID, error) {
	if err := k.validate.Struct(sub); err != nil {
		return nil, nil, newKernelError(CodeValidationError, "malformed workflow submission", err)
	}

	idMap := make(map[string]uuid.UUID, len(sub.Tasks))
	for _, ts := range sub.Tasks {
		if _, dup := idMap[ts.Id]; dup {
			return nil, nil, newKernelError(CodeValidationError, fmt.Sprintf("duplicate task id %q", ts.Id), nil)
		}
		idMap[ts.Id] = uuid.New()
	}

	strategy, err := workflow.ParseFailureStrategy(sub.FailureStrategy)
	if err != nil {
		return nil, nil, newKernelError(CodeValidationError, "invalid failure_strategy", err)
	}

	wf := workflow.New(sub.Name, sub.Description, strategy)
	tasks := make([]*task.Task, 0, len(sub.Tasks))
	for _, ts := range sub.Tasks {
		t, err := k.buildTask(wf.Id, ts, idMap)
		if err != nil {
			return nil, nil, err
		}
		tasks = append(tasks, t)
		wf.TaskOrder = append(wf.TaskOrder, t.Id)
	}

	if err := k.eng.SubmitWorkflow(ctx, wf, tasks); err != nil {
		switch {
		case errors.Is(err, resolver.ErrCycle):
			return nil, nil, newKernelError(CodeCircularDependency, "workflow contains a dependency cycle", err)
		case errors.Is(err, resolver.ErrUnknownDependency):
			return nil, nil, newKernelError(CodeUnknownDependency, "workflow references an unknown task", err)
		case errors.Is(err, backend.ErrAlreadyExists):
			return nil, nil, newKernelError(CodeInternalError, "workflow id collision", err)
		default:
			return nil, nil, newKernelError(CodeBackendUnavailable, "persist workflow failed", err)
		}
	}
	return wf, idMap, nil
}

func (k *Kernel) buildTask(workflowId uuid.UUID, ts TaskSubmission, idMap map[string]uuid.UUID) (*task.Task, error) {
	priority, err := task.ParsePriority(ts.Priority)
	if err != nil {
		return nil, newKernelError(CodeValidationError, fmt.Sprintf("invalid priority for task %q", ts.Id), err)
	}

	deps := make([]uuid.UUID, 0, len(ts.Dependencies))
	for _, wireDep := range ts.Dependencies {
		if wireDep == ts.Id {
			return nil, newKernelError(CodeValidationError, fmt.Sprintf("task %q depends on itself", ts.Id), nil)
		}
		depId, ok := idMap[wireDep]
		if !ok {
			return nil, newKernelError(CodeUnknownDependency, fmt.Sprintf("task %q depends on unknown task %q", ts.Id, wireDep), nil)
		}
		deps = append(deps, depId)
	}

	params, err := rewriteReferences(ts.Params, idMap, ts.Id)
	if err != nil {
		return nil, newKernelError(CodeValidationError, fmt.Sprintf("task %q has an invalid reference", ts.Id), err)
	}

	t := &task.Task{
		Id:             idMap[ts.Id],
		WorkflowId:     workflowId,
		Method:         ts.Method,
		Params:         params,
		Priority:       priority,
		Dependencies:   deps,
		TimeoutSeconds: ts.TimeoutSeconds,
		Retry:          task.DefaultRetryPolicy(),
		Status:         task.Pending,
		CreatedAt:      time.Now(),
	}
	if ts.Retry != nil {
		t.Retry = task.RetryPolicy{
			MaxAttempts: ts.Retry.MaxAttempts,
			BackoffBase: ts.Retry.BackoffBase,
			BackoffCap:  ts.Retry.BackoffCap,
			Jitter:      ts.Retry.Jitter,
		}
		if t.Retry.MaxAttempts == 0 {
			t.Retry.MaxAttempts = 1
		}
	}
	return t, nil
}

// wireReferencePattern matches "${<wire id>.<path>}" using the
// caller-chosen task ids a WorkflowSubmission is written in terms of,
// as opposed to substitution.go's stricter pattern over the kernel's
// internal uuid.UUID ids.
var wireReferencePattern = regexp.MustCompile(`\$\{([^.{}]+)\.([^{}]+)\}`)

// rewriteReferences rewrites every "${wireId.path}" token in params
// into "${<uuid>.path}", resolving wireId through idMap. selfId is the
// owning task's own wire id; a reference to it is rejected as a
// self-reference.
func rewriteReferences(v any, idMap map[string]uuid.UUID, selfId string) (map[string]any, error) {
	out, err := rewriteReferencesValue(v, idMap, selfId)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.(map[string]any), nil
}

func rewriteReferencesValue(v any, idMap map[string]uuid.UUID, selfId string) (any, error) {
	switch val := v.(type) {
	case string:
		return rewriteReferencesString(val, idMap, selfId)
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, elem := range val {
			rewritten, err := rewriteReferencesValue(elem, idMap, selfId)
			if err != nil {
				return nil, err
			}
			out[key] = rewritten
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rewritten, err := rewriteReferencesValue(elem, idMap, selfId)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	default:
		return v, nil
	}
}

func rewriteReferencesString(s string, idMap map[string]uuid.UUID, selfId string) (string, error) {
	var rewriteErr error
	out := wireReferencePattern.ReplaceAllStringFunc(s, func(match string) string {
		if rewriteErr != nil {
			return match
		}
		m := wireReferencePattern.FindStringSubmatch(match)
		wireId, path := m[1], m[2]
		if wireId == selfId {
			rewriteErr = fmt.Errorf("self-reference to %q", wireId)
			return match
		}
		id, ok := idMap[wireId]
		if !ok {
			rewriteErr = fmt.Errorf("reference to unknown task %q", wireId)
			return match
		}
		return "${" + id.String() + "." + path + "}"
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}
	return out, nil
}

// GetTask returns the current snapshot of id.
func (k *Kernel) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := k.be.GetTask(ctx, id)
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return t, nil
}

// GetWorkflow returns the current snapshot of id.
func (k *Kernel) GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	w, err := k.be.GetWorkflow(ctx, id)
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return w, nil
}

// ListWorkflows returns workflows matching filter.
func (k *Kernel) ListWorkflows(ctx context.Context, filter backend.WorkflowFilter) ([]*workflow.Workflow, error) {
	ws, err := k.be.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return ws, nil
}

// WaitForWorkflow blocks until workflowId reaches a terminal status or
// timeout elapses, returning the terminal snapshot.
func (k *Kernel) WaitForWorkflow(ctx context.Context, workflowId uuid.UUID, timeout time.Duration) (*workflow.Workflow, error) {
	done := make(chan struct{}, 1)
	unsubscribe := k.events.subscribe(func(ev Event) {
		if ev.WorkflowId != workflowId {
			return
		}
		switch ev.Type {
		case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	w, err := k.GetWorkflow(ctx, workflowId)
	if err != nil {
		return nil, err
	}
	if w.Status.IsTerminal() {
		return w, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return k.GetWorkflow(ctx, workflowId)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrWaitTimeout
	}
}

// CancelWorkflow cancels workflowId: every non-terminal task that is
// not mid-invocation transitions to Cancelled immediately, and any
// task mid-invocation has its context cancelled for cooperative
// shutdown.
func (k *Kernel) CancelWorkflow(ctx context.Context, workflowId uuid.UUID) error {
	if err := k.eng.CancelWorkflow(ctx, workflowId); err != nil {
		return wrapBackendErr(err)
	}
	return nil
}

func wrapBackendErr(err error) error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return newKernelError(CodeNotFound, "record not found", err)
	case errors.Is(err, backend.ErrBackendCorrupted):
		return newKernelError(CodeBackendCorrupted, "backend corrupted", err)
	case errors.Is(err, backend.ErrBackendUnavailable):
		return newKernelError(CodeBackendUnavailable, "backend unavailable", err)
	default:
		return err
	}
}
