package flow

import (
	"fmt"
	"sync"
)

// Registry maps stable names to guards, actions, and validations.
//
// Named hooks serve two purposes: declarative loaders resolve textual hook
// references through a registry, and durable stores persist a compensation's
// ActionName so the callable can be rehydrated after a process restart.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	actions     map[string]HookFunc
	guards      map[string]GuardFunc
	validations map[string]ValidateFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:     make(map[string]HookFunc),
		guards:      make(map[string]GuardFunc),
		validations: make(map[string]ValidateFunc),
	}
}

// RegisterAction binds name to an action/hook. Re-registering a name returns
// an error; names are write-once so persisted references stay stable.
func (r *Registry) RegisterAction(name string, fn HookFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("action registration requires a name and a func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.actions[name] = fn
	return nil
}

// Action returns the action bound to name.
func (r *Registry) Action(name string) (HookFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// RegisterGuard binds name to a guard.
func (r *Registry) RegisterGuard(name string, fn GuardFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("guard registration requires a name and a func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.guards[name]; exists {
		return fmt.Errorf("guard %q already registered", name)
	}
	r.guards[name] = fn
	return nil
}

// Guard returns the guard bound to name.
func (r *Registry) Guard(name string) (GuardFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.guards[name]
	return fn, ok
}

// RegisterValidation binds name to a validation predicate.
func (r *Registry) RegisterValidation(name string, fn ValidateFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("validation registration requires a name and a func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.validations[name]; exists {
		return fmt.Errorf("validation %q already registered", name)
	}
	r.validations[name] = fn
	return nil
}

// Validation returns the validation predicate bound to name.
func (r *Registry) Validation(name string) (ValidateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.validations[name]
	return fn, ok
}

// Rehydrate fills in the Action of every compensation entry that carries an
// ActionName. Entries whose name is unknown keep a nil Action; the
// compensation loop skips them with an emitted warning.
func (r *Registry) Rehydrate(inst *FlowInstance) {
	if r == nil || inst == nil {
		return
	}
	for i := range inst.Compensations {
		entry := &inst.Compensations[i]
		if entry.Action != nil || entry.ActionName == "" {
			continue
		}
		if fn, ok := r.Action(entry.ActionName); ok {
			entry.Action = fn
		}
	}
}
