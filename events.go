package gleitzeit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit/engine"
	"github.com/leifmarkthaler/gleitzeit/provider"
)

// EventType names one of the kernel's observable events: the engine's
// task/workflow transitions plus provider health changes, unified
// under one type so external subscribers don't need to know about
// package engine or package provider directly.
type EventType string

const (
	EventTaskQueued            EventType = EventType(engine.EventTaskQueued)
	EventTaskStarted           EventType = EventType(engine.EventTaskStarted)
	EventTaskCompleted         EventType = EventType(engine.EventTaskCompleted)
	EventTaskFailed            EventType = EventType(engine.EventTaskFailed)
	EventTaskRetried           EventType = EventType(engine.EventTaskRetried)
	EventWorkflowCompleted     EventType = EventType(engine.EventWorkflowCompleted)
	EventWorkflowFailed        EventType = EventType(engine.EventWorkflowFailed)
	EventWorkflowCancelled     EventType = EventType(engine.EventWorkflowCancelled)
	EventProviderHealthChanged EventType = "provider_health_changed"
)

// Event is one observable occurrence. TaskId and WorkflowId are zero
// uuid.UUID values when not applicable to Type; ProviderId and Health
// are populated only for EventProviderHealthChanged.
type Event struct {
	Type       EventType
	WorkflowId uuid.UUID
	TaskId     uuid.UUID
	ProviderId string
	Health     provider.Health
	At         time.Time
}

// EventHandler receives Events. Delivery is best-effort and
// synchronous on the goroutine that produced the event; a handler
// must return quickly and must not assume ordering across distinct
// workflows or tasks, only within one.
type EventHandler func(Event)

// eventBus fans a single internal event out to every subscriber,
// recovering and logging a panicking handler so a broken observer can
// never affect execution.
type eventBus struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextId   uint64
	handlers map[uint64]EventHandler
}

func newEventBus(log *slog.Logger) *eventBus {
	return &eventBus{log: log, handlers: make(map[uint64]EventHandler)}
}

// Subscribe registers h to receive every future event for the
// lifetime of the Kernel; it is never removed. Use subscribe for a
// handler that should be removed once it has done its job.
func (b *eventBus) Subscribe(h EventHandler) {
	b.subscribe(h)
}

// subscribe registers h and returns a func that removes it. Used
// internally for short-lived subscriptions that must not accumulate
// across repeated calls (e.g. one per WaitForWorkflow invocation).
func (b *eventBus) subscribe(h EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextId
	b.nextId++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(ev Event) {
	ev.At = time.Now()
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeInvoke(h, ev)
	}
}

func (b *eventBus) safeInvoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", ev.Type, "err", r)
		}
	}()
	h(ev)
}
