package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/leifmarkthaler/gleitzeit/internal"
	"github.com/sony/gobreaker"
)

// ErrUnknownProvider is returned when an operation references a
// provider id that was never registered with the LifecycleManager.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrAlreadyRegistered is returned by Register when providerId is
// already in use.
var ErrAlreadyRegistered = errors.New("provider already registered")

// Entry is the LifecycleManager's bookkeeping for one registered
// provider: its handle, current health, in-flight invocation count,
// and circuit breaker.
type Entry struct {
	Id       string
	Protocol string
	Handle   Provider

	mu       sync.RWMutex
	health   Health
	inFlight int64
	breaker  *gobreaker.CircuitBreaker
	released bool

	// notify, if set by the owning LifecycleManager, is called whenever
	// setHealth observes a changed value.
	notify func(Health)
}

// Health returns the entry's last-known health as observed by the
// background probe loop.
func (e *Entry) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

// InFlight returns the number of Invoke calls currently outstanding
// against this provider, used by the registry as a load tie-breaker.
func (e *Entry) InFlight() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inFlight
}

func (e *Entry) setHealth(h Health) {
	e.mu.Lock()
	changed := e.health != h
	e.health = h
	notify := e.notify
	e.mu.Unlock()
	if changed && notify != nil {
		notify(h)
	}
}

func (e *Entry) beginInvoke() {
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
}

func (e *Entry) endInvoke() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
}

// Invoke runs method through the entry's circuit breaker, tracking
// in-flight load for registry tie-breaking and tripping the breaker on
// repeated failure so HealthProbe need not wait a full interval to
// notice a provider has gone bad.
func (e *Entry) Invoke(ctx context.Context, method string, params map[string]any, cancel <-chan struct{}) (map[string]any, *Error) {
	e.beginInvoke()
	defer e.endInvoke()

	result, err := e.breaker.Execute(func() (any, error) {
		res, invokeErr := e.Handle.Invoke(ctx, method, params, cancel)
		if invokeErr != nil {
			return nil, invokeErr
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker tripped on its own consecutive-failure count;
			// report unhealthy now instead of waiting for the next probe
			// tick to notice.
			e.setHealth(HealthUnhealthy)
		}
		var provErr *Error
		if errors.As(err, &provErr) {
			return nil, provErr
		}
		return nil, &Error{Code: "provider_unavailable", Message: err.Error(), Retryable: true}
	}
	if result == nil {
		return nil, nil
	}
	return result.(map[string]any), nil
}

// LifecycleManager owns Initialize/HealthProbe/Release for every
// registered Provider. It never calls Invoke directly; hot-path
// dispatch goes through the Entry returned by Get so callers can track
// in-flight load for themselves.
type LifecycleManager struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	probeInterval time.Duration
	probeTimeout  time.Duration
	task          internal.TimerTask

	onHealthChange func(providerId string, h Health)
}

// NewLifecycleManager constructs a manager that probes every
// registered provider's health every probeInterval.
func NewLifecycleManager(probeInterval, probeTimeout time.Duration, log *slog.Logger) *LifecycleManager {
	if log == nil {
		log = slog.Default()
	}
	return &LifecycleManager{
		log:           log,
		entries:       make(map[string]*Entry),
		probeInterval: probeInterval,
		probeTimeout:  probeTimeout,
	}
}

// Register adds a provider under providerId for protocol. It does not
// call Initialize; call InitAll (or Initialize on the returned Entry's
// Handle directly) to bring providers up.
func (m *LifecycleManager) Register(providerId, protocolId string, p Provider) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[providerId]; ok {
		return nil, ErrAlreadyRegistered
	}
	e := &Entry{
		Id:       providerId,
		Protocol: protocolId,
		Handle:   p,
		health:   HealthUnknown,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        providerId,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	e.notify = func(h Health) { m.notifyHealthChange(providerId, h) }
	m.entries[providerId] = e
	return e, nil
}

// SetOnHealthChange registers fn to be called whenever InitAll or the
// background probe loop observes a provider's health value change.
// It is not called for a probe that reports the same health as
// before, so subscribers see only transitions. fn must not block.
func (m *LifecycleManager) SetOnHealthChange(fn func(providerId string, h Health)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *LifecycleManager) notifyHealthChange(providerId string, h Health) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(providerId, h)
}

// Get returns the Entry registered under providerId.
func (m *LifecycleManager) Get(providerId string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[providerId]
	return e, ok
}

// All returns every registered Entry, in no particular order.
func (m *LifecycleManager) All() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// InitAll calls Initialize on every registered provider sequentially.
// A failing provider is logged and marked HealthUnhealthy; it does not
// abort startup of the remaining providers, matching the kernel's
// best-effort-degrade-rather-than-fail posture at boot.
func (m *LifecycleManager) InitAll(ctx context.Context) {
	for _, e := range m.All() {
		if err := e.Handle.Initialize(ctx); err != nil {
			m.log.Error("provider init failed", "provider", e.Id, "err", err)
			e.setHealth(HealthUnhealthy)
			continue
		}
		e.setHealth(HealthHealthy)
	}
}

// Start launches the background health-check loop. It runs until ctx
// is cancelled or Stop is called.
func (m *LifecycleManager) Start(ctx context.Context) {
	m.task.Start(ctx, m.probeAll, m.probeInterval)
}

// Stop halts the background health-check loop and waits for the
// in-flight probe round to finish.
func (m *LifecycleManager) Stop() internal.DoneChan {
	return m.task.Stop()
}

func (m *LifecycleManager) probeAll(ctx context.Context) {
	for _, e := range m.All() {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		h, err := e.Handle.HealthProbe(probeCtx)
		cancel()
		if err != nil {
			m.log.Warn("provider health probe failed", "provider", e.Id, "err", err)
			e.setHealth(HealthUnhealthy)
			continue
		}
		e.setHealth(h)
	}
}

// ShutdownAll releases every registered provider exactly once, each
// bounded by deadline. Release failures are logged, never propagated:
// a stuck provider must not prevent the rest of the kernel from
// shutting down cleanly.
func (m *LifecycleManager) ShutdownAll(ctx context.Context, deadline time.Duration) {
	var wg sync.WaitGroup
	for _, e := range m.All() {
		e.mu.Lock()
		if e.released {
			e.mu.Unlock()
			continue
		}
		e.released = true
		e.mu.Unlock()

		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			releaseCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			if err := e.Handle.Release(releaseCtx); err != nil {
				m.log.Error("provider release failed", "provider", e.Id, "err", err)
			}
		}(e)
	}
	wg.Wait()
}
