// Package emit provides pluggable observability for flow execution.
package emit

// Emitter receives observability events from flow execution.
//
// Implementations should be non-blocking, thread-safe, and resilient: a slow
// or failing backend must not stall or crash the flow. Emit must not panic;
// errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
