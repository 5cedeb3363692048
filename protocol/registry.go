package protocol

import (
	"sort"
	"sync"

	"github.com/leifmarkthaler/gleitzeit/provider"
)

// providerBinding records that handle (tracked by the provider
// package's LifecycleManager as entry) declared support for
// supportedMethods of protocolId, in the order it was registered.
type providerBinding struct {
	providerId       string
	protocolId       string
	entry            *provider.Entry
	supportedMethods map[string]struct{}
	order            int
}

// Registry binds running providers to registered ProtocolSpecs and
// resolves a fully-qualified method name to the best provider
// currently able to serve it.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]*ProtocolSpec // by bare protocol name
	bindings  []*providerBinding
	next      int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]*ProtocolSpec),
	}
}

// RegisterProtocol adds spec, keyed by its bare protocol name (the
// identifier with any "/<version>" suffix stripped). Registering two
// specs with the same bare name returns ErrDuplicateProtocol.
func (r *Registry) RegisterProtocol(spec *ProtocolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := protocolName(spec.Identifier)
	if _, ok := r.protocols[name]; ok {
		return ErrDuplicateProtocol
	}
	r.protocols[name] = spec
	return nil
}

// RegisterProvider binds entry, which must already be registered with
// a provider.LifecycleManager, to protocolId for the verbs in
// supportedMethods. Every verb must be one of protocolId's registered
// methods, or ErrMethodNotSupported is returned and nothing is bound.
func (r *Registry) RegisterProvider(providerId, protocolId string, entry *provider.Entry, supportedMethods []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.protocols[protocolName(protocolId)]
	if !ok {
		return ErrProtocolUnknown
	}
	set := make(map[string]struct{}, len(supportedMethods))
	for _, verb := range supportedMethods {
		if !spec.HasMethod(verb) {
			return ErrMethodNotSupported
		}
		set[verb] = struct{}{}
	}

	r.bindings = append(r.bindings, &providerBinding{
		providerId:       providerId,
		protocolId:       protocolId,
		entry:            entry,
		supportedMethods: set,
		order:            r.next,
	})
	r.next++
	return nil
}

// Resolve picks the best provider currently able to serve method, a
// fully-qualified "<protocol>/<verb>" name. Candidates are filtered to
// those declaring support for verb, excluding any whose provider
// health is HealthUnhealthy, then ordered by:
//  1. health rank ascending (healthy before degraded before unknown)
//  2. in-flight invocation count ascending
//  3. registration order ascending
//
// It returns ErrInvalidMethod if method has no "/", ErrProtocolUnknown
// if the protocol prefix is not registered, and ErrNoProviderFound if
// no eligible provider remains after filtering.
func (r *Registry) Resolve(method string) (string, error) {
	protoName, verb, ok := SplitMethod(method)
	if !ok {
		return "", ErrInvalidMethod
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.protocols[protoName]; !ok {
		return "", ErrProtocolUnknown
	}

	var candidates []*providerBinding
	for _, b := range r.bindings {
		if protocolName(b.protocolId) != protoName {
			continue
		}
		if _, supports := b.supportedMethods[verb]; !supports {
			continue
		}
		if b.entry.Health() == provider.HealthUnhealthy {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return "", ErrNoProviderFound
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		hi, hj := candidates[i].entry.Health().Rank(), candidates[j].entry.Health().Rank()
		if hi != hj {
			return hi < hj
		}
		li, lj := candidates[i].entry.InFlight(), candidates[j].entry.InFlight()
		if li != lj {
			return li < lj
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0].providerId, nil
}

// ProvidersFor returns the provider ids currently bound to protocolId,
// in registration order, regardless of health.
func (r *Registry) ProvidersFor(protocolId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := protocolName(protocolId)
	var ids []string
	for _, b := range r.bindings {
		if protocolName(b.protocolId) == name {
			ids = append(ids, b.providerId)
		}
	}
	return ids
}

// Protocol returns the registered spec for bare protocol name name.
func (r *Registry) Protocol(name string) (*ProtocolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.protocols[name]
	return spec, ok
}
