package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/backend"
	"github.com/leifmarkthaler/gleitzeit/internal"
	"github.com/leifmarkthaler/gleitzeit/metrics"
	"github.com/leifmarkthaler/gleitzeit/protocol"
	"github.com/leifmarkthaler/gleitzeit/provider"
	"github.com/leifmarkthaler/gleitzeit/queue"
	"github.com/leifmarkthaler/gleitzeit/resolver"
	"github.com/leifmarkthaler/gleitzeit/substitution"
	"github.com/leifmarkthaler/gleitzeit/task"
	"github.com/leifmarkthaler/gleitzeit/workflow"
)

const (
	stopped = iota
	started
)

var (
	// ErrDoubleStarted is returned by Start on an already-running Engine.
	ErrDoubleStarted = errors.New("engine double start")
	// ErrDoubleStopped is returned by Stop on an Engine that is not running.
	ErrDoubleStopped = errors.New("engine double stop")
	// ErrStopTimeout is returned when Stop's drain deadline elapses
	// before every in-flight task finishes.
	ErrStopTimeout = errors.New("engine stop timeout")
)

// Config controls an Engine's concurrency and polling behavior.
type Config struct {
	Workers      int
	QueueSize    int
	BatchSize    int
	PullInterval time.Duration
	LockTimeout  time.Duration

	// OnEvent, if set, receives every task/workflow event the engine
	// emits. See EventHandler for delivery guarantees.
	OnEvent EventHandler
}

// workflowState is the engine's live bookkeeping for one in-flight
// workflow: its dependency resolver and a record of whether any task
// in it has failed, consulted when deciding the workflow's terminal
// status.
type workflowState struct {
	mu        sync.Mutex
	resolver  *resolver.Resolver
	strategy  workflow.FailureStrategy
	failed    bool
	cancelled bool
	settled   int
	total     int
	running   map[uuid.UUID]context.CancelFunc
}

// Engine is the kernel's execution engine: it claims tasks from a
// queue.Queue, resolves a provider via protocol.Registry, substitutes
// parameters, invokes the provider, and drives each task's workflow
// resolver forward.
type Engine struct {
	state atomic.Int32

	be        backend.Backend
	q         *queue.Queue
	registry  *protocol.Registry
	lifecycle *provider.LifecycleManager
	log       *slog.Logger

	batchSize    int
	pullInterval time.Duration
	lockTimeout  time.Duration
	halfLock     time.Duration

	pullTask internal.TimerTask
	pool     *internal.WorkerPool[*backend.QueueEntry]
	onEvent  EventHandler

	mu        sync.Mutex
	workflows map[uuid.UUID]*workflowState
}

// New constructs an Engine. The caller must call Start to begin
// claiming and processing tasks.
func New(be backend.Backend, q *queue.Queue, registry *protocol.Registry, lifecycle *provider.LifecycleManager, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		be:           be,
		q:            q,
		registry:     registry,
		lifecycle:    lifecycle,
		log:          log,
		batchSize:    cfg.BatchSize,
		pullInterval: cfg.PullInterval,
		lockTimeout:  cfg.LockTimeout,
		halfLock:     cfg.LockTimeout / 2,
		pool:         internal.NewWorkerPool[*backend.QueueEntry](cfg.Workers, cfg.QueueSize, log),
		onEvent:      cfg.OnEvent,
		workflows:    make(map[uuid.UUID]*workflowState),
	}
}

// SubmitWorkflow persists w and tasks, builds the workflow's dependency
// resolver, and enqueues its initial ready set. tasks must all carry
// w.Id as their WorkflowId.
func (e *Engine) SubmitWorkflow(ctx context.Context, w *workflow.Workflow, tasks []*task.Task) error {
	r, err := resolver.New(tasks)
	if err != nil {
		return err
	}

	w.Counters.Total = len(tasks)
	w.Status = workflow.Running
	if err := e.be.PutWorkflow(ctx, w); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.be.PutTask(ctx, t); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.workflows[w.Id] = &workflowState{
		resolver: r,
		strategy: w.FailureStrategy,
		total:    len(tasks),
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
	e.mu.Unlock()

	for _, id := range r.Ready() {
		t, err := e.be.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if err := e.markQueued(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markQueued(ctx context.Context, t *task.Task) error {
	now := time.Now()
	t.Status = task.Queued
	t.QueuedAt = &now
	if err := e.be.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := e.q.Enqueue(ctx, t.Id, t.Priority.Rank()); err != nil {
		return err
	}
	e.emit(EventTaskQueued, t.WorkflowId, t.Id)
	return nil
}

// Start launches the periodic claim loop and worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(stopped, started) {
		return ErrDoubleStarted
	}
	e.pool.Start(ctx, e.handle)
	e.pullTask.Start(ctx, e.pull, e.pullInterval)
	return nil
}

// Stop halts claiming and waits for in-flight tasks to drain, up to
// timeout.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.state.CompareAndSwap(started, stopped) {
		return ErrDoubleStopped
	}
	first := e.pullTask.Stop()
	second := e.pool.Stop()
	done := internal.Combine(first, second)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (e *Engine) pull(ctx context.Context) {
	entries, err := e.q.Claim(ctx, e.batchSize, e.lockTimeout)
	if err != nil {
		e.log.Error("claim failed", "err", err)
		return
	}
	for _, entry := range entries {
		if !e.pool.Push(entry) {
			e.log.Debug("entry push interrupted by shutdown", "task_id", entry.TaskId)
			return
		}
	}
}

func (e *Engine) handle(ctx context.Context, entry *backend.QueueEntry) {
	t, err := e.be.GetTask(ctx, entry.TaskId)
	if err != nil {
		e.log.Error("cannot load claimed task", "task_id", entry.TaskId, "err", err)
		return
	}

	now := time.Now()
	t.Status = task.Running
	t.StartedAt = &now
	t.AttemptCount++
	if err := e.be.UpdateTask(ctx, t); err != nil {
		e.log.Error("cannot mark task running", "task_id", t.Id, "err", err)
	}
	e.emit(EventTaskStarted, t.WorkflowId, t.Id)

	result, taskErr := e.invoke(ctx, entry, t)
	if taskErr == nil {
		e.completeSuccess(ctx, t, result, entry)
		return
	}
	e.completeFailure(ctx, t, taskErr, entry)
}

func (e *Engine) invoke(ctx context.Context, entry *backend.QueueEntry, t *task.Task) (map[string]any, *task.Error) {
	params, err := e.resolveParams(ctx, t)
	if err != nil {
		return nil, &task.Error{Code: "substitution_failed", Message: err.Error(), Retryable: false}
	}

	providerId, err := e.registry.Resolve(t.Method)
	if err != nil {
		return nil, &task.Error{Code: "no_provider", Message: err.Error(), Retryable: true}
	}
	providerEntry, ok := e.lifecycle.Get(providerId)
	if !ok {
		return nil, &task.Error{Code: "no_provider", Message: "provider vanished after resolve", Retryable: true}
	}

	invokeCtx := ctx
	var timeoutCancel context.CancelFunc
	if t.TimeoutSeconds > 0 {
		invokeCtx, timeoutCancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer timeoutCancel()
	}

	// Wrap in a dedicated cancellable context so CancelWorkflow can signal
	// this specific invocation without affecting sibling tasks sharing the
	// engine's root context.
	invokeCtx, cancelInvoke := context.WithCancel(invokeCtx)
	defer cancelInvoke()
	if ws := e.workflowOf(t.WorkflowId); ws != nil {
		ws.mu.Lock()
		ws.running[t.Id] = cancelInvoke
		ws.mu.Unlock()
		defer func() {
			ws.mu.Lock()
			delete(ws.running, t.Id)
			ws.mu.Unlock()
		}()
	}

	return e.invokeWithExtend(invokeCtx, entry, providerEntry, t, params)
}

func (e *Engine) invokeWithExtend(ctx context.Context, entry *backend.QueueEntry, pe *provider.Entry, t *task.Task, params map[string]any) (map[string]any, *task.Error) {
	type outcome struct {
		result map[string]any
		err    *task.Error
	}
	cancel := make(chan struct{})
	done := make(chan outcome, 1)
	go func() {
		res, err := pe.Invoke(ctx, t.Method, params, cancel)
		if err != nil {
			done <- outcome{err: &task.Error{Code: err.Code, Message: err.Message, Retryable: err.Retryable, Data: err.Data}}
			return
		}
		done <- outcome{result: res}
	}()

	timer := time.NewTimer(e.halfLock)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			close(cancel)
			<-done
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &task.Error{Code: "timeout", Message: ctx.Err().Error(), Retryable: true}
			}
			return nil, &task.Error{Code: "cancelled", Message: ctx.Err().Error(), Retryable: false}
		case <-timer.C:
			if err := e.q.ExtendClaim(ctx, entry, e.lockTimeout); err != nil {
				close(cancel)
				<-done
				return nil, &task.Error{Code: "claim_lost", Message: err.Error(), Retryable: true}
			}
			timer.Reset(e.halfLock)
		case out := <-done:
			return out.result, out.err
		}
	}
}

func (e *Engine) resolveParams(ctx context.Context, t *task.Task) (map[string]any, error) {
	deps := append(append([]uuid.UUID(nil), t.Dependencies...), substitution.References(t.Params)...)
	if len(deps) == 0 {
		return t.Params, nil
	}
	results := make(map[uuid.UUID]map[string]any, len(deps))
	for _, depId := range deps {
		if _, seen := results[depId]; seen {
			continue
		}
		dep, err := e.be.GetTask(ctx, depId)
		if err != nil {
			return nil, err
		}
		results[depId] = dep.Result
	}
	return substitution.Resolve(t.Params, results)
}

func (e *Engine) completeSuccess(ctx context.Context, t *task.Task, result map[string]any, entry *backend.QueueEntry) {
	now := time.Now()
	t.Status = task.Completed
	t.Result = result
	t.FinishedAt = &now
	if err := e.be.UpdateTask(ctx, t); err != nil {
		e.log.Error("cannot persist task completion", "task_id", t.Id, "err", err)
	}
	if err := e.q.Ack(ctx, entry); err != nil {
		e.log.Error("cannot ack completed task", "task_id", t.Id, "err", err)
	}
	metrics.TasksTotal.WithLabelValues(task.Completed.String()).Inc()
	e.emit(EventTaskCompleted, t.WorkflowId, t.Id)

	ws := e.workflowOf(t.WorkflowId)
	if ws == nil {
		return
	}
	ws.mu.Lock()
	newlyReady := ws.resolver.Complete(t.Id)
	ws.settled++
	settledAll := ws.settled >= ws.total
	failed := ws.failed
	cancelled := ws.cancelled
	ws.mu.Unlock()

	for _, id := range newlyReady {
		dep, err := e.be.GetTask(ctx, id)
		if err != nil {
			e.log.Error("cannot load newly ready task", "task_id", id, "err", err)
			continue
		}
		if err := e.markQueued(ctx, dep); err != nil {
			e.log.Error("cannot enqueue newly ready task", "task_id", id, "err", err)
		}
	}
	if settledAll {
		e.finishWorkflow(ctx, t.WorkflowId, failed, cancelled)
	}
}

// completeCancelled records t as Cancelled after its invocation observed a
// CancelWorkflow-triggered context cancellation. Unlike completeFailure, it
// never cascades: CancelWorkflow already transitioned every other
// non-terminal task directly, so this only needs to settle the workflow's
// bookkeeping.
func (e *Engine) completeCancelled(ctx context.Context, t *task.Task, entry *backend.QueueEntry) {
	now := time.Now()
	t.Status = task.Cancelled
	t.FinishedAt = &now
	if err := e.be.UpdateTask(ctx, t); err != nil {
		e.log.Error("cannot persist cancelled task", "task_id", t.Id, "err", err)
	}
	if err := e.q.Ack(ctx, entry); err != nil {
		e.log.Error("cannot ack cancelled task", "task_id", t.Id, "err", err)
	}
	metrics.TasksTotal.WithLabelValues(task.Cancelled.String()).Inc()

	ws := e.workflowOf(t.WorkflowId)
	if ws == nil {
		return
	}
	ws.mu.Lock()
	ws.settled++
	settledAll := ws.settled >= ws.total
	failed := ws.failed
	ws.mu.Unlock()
	if settledAll {
		e.finishWorkflow(ctx, t.WorkflowId, failed, true)
	}
}

func (e *Engine) completeFailure(ctx context.Context, t *task.Task, taskErr *task.Error, entry *backend.QueueEntry) {
	if taskErr.Code == "cancelled" {
		e.completeCancelled(ctx, t, entry)
		return
	}
	if taskErr.Retryable {
		if delay, ok := nextBackoff(t.Retry, t.AttemptCount); ok {
			t.Status = task.Queued
			if err := e.be.UpdateTask(ctx, t); err != nil {
				e.log.Error("cannot persist task retry state", "task_id", t.Id, "err", err)
			}
			if err := e.q.Nack(ctx, entry, delay); err != nil {
				e.log.Error("cannot nack task for retry", "task_id", t.Id, "err", err)
			}
			metrics.TaskRetriesTotal.WithLabelValues(t.Method).Inc()
			e.emit(EventTaskRetried, t.WorkflowId, t.Id)
			return
		}
	}

	now := time.Now()
	t.Status = task.Failed
	t.Error = taskErr
	t.FinishedAt = &now
	if err := e.be.UpdateTask(ctx, t); err != nil {
		e.log.Error("cannot persist task failure", "task_id", t.Id, "err", err)
	}
	if err := e.q.Ack(ctx, entry); err != nil {
		e.log.Error("cannot ack failed task", "task_id", t.Id, "err", err)
	}
	metrics.TasksTotal.WithLabelValues(task.Failed.String()).Inc()
	e.emit(EventTaskFailed, t.WorkflowId, t.Id)

	e.cascade(ctx, t)
}

func (e *Engine) cascade(ctx context.Context, failed *task.Task) {
	ws := e.workflowOf(failed.WorkflowId)
	if ws == nil {
		return
	}
	ws.mu.Lock()
	ws.failed = true
	ws.settled++

	var toSkip []uuid.UUID
	settleAs := task.Skipped
	switch ws.strategy {
	case workflow.StopOnFirstFailure:
		settleAs = task.Cancelled
		for _, id := range allTaskIds(ws.resolver) {
			if id != failed.Id {
				toSkip = append(toSkip, id)
			}
		}
	default: // SkipDependents, ContinueOnError
		toSkip = ws.resolver.CascadeSkip(failed.Id)
	}
	settledAll := ws.settled+len(toSkip) >= ws.total
	ws.mu.Unlock()

	var skipped int
	for _, id := range toSkip {
		dep, err := e.be.GetTask(ctx, id)
		if err != nil || dep.Status.IsTerminal() {
			continue
		}
		now := time.Now()
		dep.Status = settleAs
		dep.FinishedAt = &now
		if err := e.be.UpdateTask(ctx, dep); err != nil {
			e.log.Error("cannot persist skipped task", "task_id", id, "err", err)
			continue
		}
		_ = e.q.Remove(ctx, id)
		metrics.TasksTotal.WithLabelValues(settleAs.String()).Inc()
		skipped++
	}

	ws.mu.Lock()
	ws.settled += skipped
	settledAll = ws.settled >= ws.total
	cancelled := ws.cancelled
	ws.mu.Unlock()

	if settledAll {
		e.finishWorkflow(ctx, failed.WorkflowId, true, cancelled)
	}
}

// finishWorkflow persists workflowId's terminal status once every task has
// settled. cancelled takes priority over failed: a workflow under an
// in-progress CancelWorkflow call always finishes Cancelled, even if one of
// its tasks happened to fail on its own before the cancel signal reached it.
func (e *Engine) finishWorkflow(ctx context.Context, workflowId uuid.UUID, failed, cancelled bool) {
	w, err := e.be.GetWorkflow(ctx, workflowId)
	if err != nil {
		e.log.Error("cannot load workflow to finish", "workflow_id", workflowId, "err", err)
		return
	}
	now := time.Now()
	switch {
	case cancelled:
		w.Status = workflow.Cancelled
	case failed:
		w.Status = workflow.Failed
	default:
		w.Status = workflow.Completed
	}
	w.FinishedAt = &now
	if err := e.be.UpdateWorkflow(ctx, w); err != nil {
		e.log.Error("cannot persist workflow completion", "workflow_id", workflowId, "err", err)
	}
	metrics.WorkflowsTotal.WithLabelValues(w.Status.String()).Inc()
	e.emit(workflowEventFor(w.Status), workflowId, uuid.UUID{})

	e.mu.Lock()
	delete(e.workflows, workflowId)
	e.mu.Unlock()
}

func workflowEventFor(status workflow.Status) EventType {
	switch status {
	case workflow.Cancelled:
		return EventWorkflowCancelled
	case workflow.Failed:
		return EventWorkflowFailed
	default:
		return EventWorkflowCompleted
	}
}

func (e *Engine) workflowOf(id uuid.UUID) *workflowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workflows[id]
}

func allTaskIds(r *resolver.Resolver) []uuid.UUID {
	return r.AllIds()
}

// CancelWorkflow marks workflowId Cancelled: every non-terminal task that is
// not currently mid-invocation is transitioned to Cancelled immediately and
// its queue entry removed; a task that is Running has its invocation's
// context cancelled so Invoke observes cooperative cancellation, and the
// workflow is finalized once that task's handler returns through
// completeCancelled. If the engine holds no in-memory state for workflowId
// (for example after a restart where no task has yet been reclaimed),
// CancelWorkflow finalizes the workflow directly since no invocation can be
// mid-flight to wait for.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowId uuid.UUID) error {
	w, err := e.be.GetWorkflow(ctx, workflowId)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return nil
	}

	ws := e.workflowOf(workflowId)
	var toSignal []context.CancelFunc
	if ws != nil {
		ws.mu.Lock()
		ws.cancelled = true
		for _, cancel := range ws.running {
			toSignal = append(toSignal, cancel)
		}
		ws.mu.Unlock()
	}
	for _, cancel := range toSignal {
		cancel()
	}

	tasks, err := e.be.ListTasks(ctx, backend.TaskFilter{WorkflowId: workflowId})
	if err != nil {
		return err
	}
	var settledNow int
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.Status == task.Running {
			continue
		}
		now := time.Now()
		t.Status = task.Cancelled
		t.FinishedAt = &now
		if err := e.be.UpdateTask(ctx, t); err != nil {
			e.log.Error("cannot persist cancelled task", "task_id", t.Id, "err", err)
			continue
		}
		_ = e.q.Remove(ctx, t.Id)
		metrics.TasksTotal.WithLabelValues(task.Cancelled.String()).Inc()
		settledNow++
	}

	if ws == nil {
		now := time.Now()
		w.Status = workflow.Cancelled
		w.FinishedAt = &now
		if err := e.be.UpdateWorkflow(ctx, w); err != nil {
			return err
		}
		metrics.WorkflowsTotal.WithLabelValues(w.Status.String()).Inc()
		e.emit(EventWorkflowCancelled, workflowId, uuid.UUID{})
		return nil
	}

	ws.mu.Lock()
	ws.settled += settledNow
	settledAll := ws.settled >= ws.total
	failed := ws.failed
	ws.mu.Unlock()
	if settledAll {
		e.finishWorkflow(ctx, workflowId, failed, true)
	}
	return nil
}
