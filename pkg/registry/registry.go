// Package registry provides the process-wide service registry.
// It is populated once during startup and read-only afterwards;
// lookups after the install phase need no synchronization, but
// registration is guarded so misbehaving installers fail loudly
// instead of racing.
package registry

import (
	"sync"

	"github.com/tokenring-ai/agentry/pkg/core"
	"github.com/tokenring-ai/agentry/pkg/errors"
)

// Registry maps service identities to exactly one instance each.
// A name, once bound, is immutable for the registry lifetime.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]core.Service
	ordered []core.Service

	keyed map[string]map[string]core.Service
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]core.Service),
		keyed:  make(map[string]map[string]core.Service),
	}
}

// Register binds svc under its own name. Re-registration of a bound
// name fails with DUPLICATE_REGISTRATION; there is no silent overwrite.
func (r *Registry) Register(svc core.Service) error {
	if svc == nil || svc.Name() == "" {
		return errors.Newf(errors.CodeInvalidInput, "service must have a non-empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := svc.Name()
	if _, exists := r.byName[name]; exists {
		return errors.Newf(errors.CodeDuplicateRegistration, "service %q already registered", name)
	}
	r.byName[name] = svc
	r.ordered = append(r.ordered, svc)
	return nil
}

// RegisterKeyed binds svc under a family name plus an instance key, for
// identities that support multiple registrations (e.g. several
// checkpoint stores). The (family, key) pair is immutable once bound.
func (r *Registry) RegisterKeyed(family, key string, svc core.Service) error {
	if svc == nil || family == "" || key == "" {
		return errors.Newf(errors.CodeInvalidInput, "keyed registration needs family, key, and service")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.keyed[family]
	if !ok {
		group = make(map[string]core.Service)
		r.keyed[family] = group
	}
	if _, exists := group[key]; exists {
		return errors.Newf(errors.CodeDuplicateRegistration, "service %q/%q already registered", family, key)
	}
	group[key] = svc
	r.ordered = append(r.ordered, svc)
	return nil
}

// Get returns the service bound to name, or false when absent.
func (r *Registry) Get(name string) (core.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byName[name]
	return svc, ok
}

// Require returns the service bound to name, failing with
// SERVICE_NOT_FOUND when absent.
func (r *Registry) Require(name string) (core.Service, error) {
	svc, ok := r.Get(name)
	if !ok {
		return nil, errors.Newf(errors.CodeServiceNotFound, "service %q not registered", name)
	}
	return svc, nil
}

// GetKeyed returns the service bound to (family, key), or false.
func (r *Registry) GetKeyed(family, key string) (core.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.keyed[family][key]
	return svc, ok
}

// RequireKeyed returns the service bound to (family, key), failing with
// SERVICE_NOT_FOUND when absent.
func (r *Registry) RequireKeyed(family, key string) (core.Service, error) {
	svc, ok := r.GetKeyed(family, key)
	if !ok {
		return nil, errors.Newf(errors.CodeServiceNotFound, "service %q/%q not registered", family, key)
	}
	return svc, nil
}

// ListByCapability returns every registered service advertising the
// given capability tag, in registration order.
func (r *Registry) ListByCapability(tag string) []core.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.Service
	for _, svc := range r.ordered {
		if core.HasCapability(svc, tag) {
			out = append(out, svc)
		}
	}
	return out
}

// List returns all registered services in registration order.
func (r *Registry) List() []core.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Service, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Lookup returns the first registered service assignable to T. This is
// the compile-time analogue of type-tag lookup: callers name the
// concrete interface they need instead of a string.
func Lookup[T core.Service](r *Registry) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, svc := range r.ordered {
		if typed, ok := svc.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}
