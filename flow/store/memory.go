package store

import (
	"context"
	"sync"

	"github.com/dshills/stateflow-go/flow"
)

// MemStore is the in-memory reference implementation of flow.FlowStore.
//
// It keeps flow instances and idempotency bindings in two maps. Designed for:
//   - Testing and development
//   - Single-process flows where persistence isn't required
//   - Prototyping before migrating to SQLite or MySQL
//
// Instances are deep-copied on both read and write, so external mutation of a
// returned snapshot cannot corrupt stored state. Because values are kept as
// live Go structs rather than serialized documents, compensation closures
// remain callable for the life of the process; flows do not survive a restart.
//
// MemStore is thread-safe and supports concurrent access to different flow
// ids. It does not serialize writers on the same flow id.
type MemStore struct {
	mu    sync.RWMutex
	flows map[string]*flow.FlowInstance
	keys  map[string]string // idempotency key -> flow id
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		flows: make(map[string]*flow.FlowInstance),
		keys:  make(map[string]string),
	}
}

// Save stores a deep copy of the instance, replacing any prior value.
func (m *MemStore) Save(_ context.Context, inst *flow.FlowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[inst.FlowID] = inst.Clone()
	return nil
}

// Get returns a deep copy of the instance, or flow.ErrNotFound.
func (m *MemStore) Get(_ context.Context, flowID string) (*flow.FlowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.flows[flowID]
	if !ok {
		return nil, flow.ErrNotFound
	}
	return inst.Clone(), nil
}

// Delete removes the instance; deleting an absent flow is a no-op.
func (m *MemStore) Delete(_ context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, flowID)
	return nil
}

// Exists reports whether the flow id has an entry.
func (m *MemStore) Exists(_ context.Context, flowID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flows[flowID]
	return ok, nil
}

// List returns deep copies of all instances matching the filter, in
// unspecified order. A nil filter matches everything.
func (m *MemStore) List(_ context.Context, filter *flow.Filter) ([]*flow.FlowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*flow.FlowInstance
	for _, inst := range m.flows {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// HasIdempotencyKey reports whether the key is bound to any flow.
func (m *MemStore) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok, nil
}

// SaveIdempotencyKey binds key to flowID. Keys are write-once: a second bind,
// even to the same flow, returns flow.ErrKeyExists. The check-and-set is
// atomic, which makes the binding a race-safe claim for concurrent callers.
func (m *MemStore) SaveIdempotencyKey(_ context.Context, key, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key]; ok {
		return flow.ErrKeyExists
	}
	m.keys[key] = flowID
	return nil
}

// FlowIDByIdempotencyKey returns the flow id bound to key, or
// flow.ErrNotFound.
func (m *MemStore) FlowIDByIdempotencyKey(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flowID, ok := m.keys[key]
	if !ok {
		return "", flow.ErrNotFound
	}
	return flowID, nil
}

// QueryByContext returns deep copies of all flows whose context contains
// every key/value pair of match (implements flow.ContextQuerier).
func (m *MemStore) QueryByContext(_ context.Context, match map[string]any) ([]*flow.FlowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*flow.FlowInstance
	for _, inst := range m.flows {
		if matchesContext(inst, match) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}
