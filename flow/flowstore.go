package flow

import "context"

// FlowStore is the persistence contract the engine consumes. The core never
// depends on a concrete backend; the store subpackage ships an in-memory
// reference plus SQLite and MySQL implementations.
//
// Implementations must return snapshots that are independent of the stored
// representation (deep copies on read and write) and must tolerate concurrent
// operations on different flow ids. The engine assumes a single writer per
// flow id; serializing writers is the caller's responsibility.
type FlowStore interface {
	// Save creates or overwrites the instance keyed by FlowID, atomically
	// replacing the prior value.
	Save(ctx context.Context, inst *FlowInstance) error

	// Get returns a snapshot of the instance, or ErrNotFound.
	Get(ctx context.Context, flowID string) (*FlowInstance, error)

	// Delete removes the instance. Deleting an absent flow is a no-op.
	Delete(ctx context.Context, flowID string) error

	// Exists reports whether the flow id has an entry.
	Exists(ctx context.Context, flowID string) (bool, error)

	// List returns snapshots of all instances matching the filter.
	// A nil filter matches everything.
	List(ctx context.Context, filter *Filter) ([]*FlowInstance, error)

	// HasIdempotencyKey reports whether the key is bound to any flow.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)

	// SaveIdempotencyKey binds key to flowID. Keys are write-once; binding
	// an existing key returns ErrKeyExists.
	SaveIdempotencyKey(ctx context.Context, key, flowID string) error

	// FlowIDByIdempotencyKey returns the flow id bound to key, or
	// ErrNotFound.
	FlowIDByIdempotencyKey(ctx context.Context, key string) (string, error)
}

// ContextQuerier is optionally implemented by stores that can match flows by
// exact context key/value pairs.
type ContextQuerier interface {
	QueryByContext(ctx context.Context, match map[string]any) ([]*FlowInstance, error)
}

// Filter selects flow instances in FlowStore.List. Set fields form a
// conjunction; zero values are ignored.
//
// CurrentState uses set-membership semantics: a flow matches if its current
// state, or any of its active regions, contains the requested state. A
// parallel-valued filter matches only if every requested state is present.
type Filter struct {
	Status       Status
	DefinitionID string
	Version      string
	ParentFlowID string
	CurrentState StateRef
}

// Matches reports whether inst satisfies the filter. Store implementations
// share this so filter semantics cannot drift between backends.
func (f *Filter) Matches(inst *FlowInstance) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Version != "" && inst.Version != f.Version {
		return false
	}
	if f.ParentFlowID != "" && inst.ParentFlowID != f.ParentFlowID {
		return false
	}
	if !f.CurrentState.IsZero() {
		for _, want := range f.CurrentState.Regions() {
			if !inst.Current.Contains(want) {
				return false
			}
		}
	}
	return true
}
