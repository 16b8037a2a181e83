package flow

import (
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
)

// StartOptions configures Engine.Start.
type StartOptions struct {
	// FlowID is the caller-supplied id; generated when empty.
	FlowID string

	// Context seeds the instance's mutable context. It is copied by value.
	Context Context

	// IdempotencyKey, when set, makes Start a no-op on replay: if the key
	// is already bound, the bound flow is returned unchanged.
	IdempotencyKey string

	// ParentFlowID back-references the parent when starting a sub-flow.
	ParentFlowID string
}

// ExecuteOptions configures Engine.Execute.
type ExecuteOptions struct {
	// Data is shallow-merged into the flow context before execution.
	Data Context

	// IdempotencyKey, when set, makes Execute a no-op success on replay.
	IdempotencyKey string

	// TargetRegion, for parallel flows, dispatches the event to the single
	// zero-based region index instead of broadcasting.
	TargetRegion *int
}

// TransitionRecord describes the transition an Execute call took. For the
// idempotent no-op replay, From equals To.
type TransitionRecord struct {
	From  StateRef `json:"from"`
	To    StateRef `json:"to"`
	Event string   `json:"event"`
}

// ExecuteResult is what every Execute call returns. Callers never need to
// distinguish whether compensation ran except by inspecting Compensated.
type ExecuteResult struct {
	// Success is false when an execution error occurred.
	Success bool

	// State is a snapshot of the instance after the operation.
	State *FlowInstance

	// Transition records the step taken, when one was.
	Transition *TransitionRecord

	// Compensated is true iff the failure path ran at least one recorded
	// compensation.
	Compensated bool

	// Err carries the execution error when Success is false.
	Err error
}

// defaultSubFlowPollInterval is the cadence WaitForSubFlow polls the store.
const defaultSubFlowPollInterval = 100 * time.Millisecond

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter (nil disables emission).
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithMetrics sets the Prometheus metrics collector (nil disables metrics).
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithRegistry sets the named-hook registry used by
// RecordNamedCompensation and by durable stores rehydrating compensations.
func WithRegistry(registry *Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithClock overrides the time source. Tests use this for deterministic
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides generated flow ids (google/uuid by default).
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithSubFlowPollInterval overrides the WaitForSubFlow polling cadence.
func WithSubFlowPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}
