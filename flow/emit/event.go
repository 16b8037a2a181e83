package emit

// Event is an observability event emitted during flow execution.
//
// The engine and state machine emit events for lifecycle changes
// (flow_started, flow_completed, flow_paused, ...), transitions
// (transition, transition_failed, transition_retry), compensation
// (compensation_started, compensation_action_failed, compensation_finished),
// and sub-flow composition (subflow_started, subflow_completed).
type Event struct {
	// FlowID identifies the flow instance that emitted this event.
	FlowID string

	// Event is the flow event name being processed, when applicable.
	Event string

	// State is the state (or comma-joined region states) the flow was in
	// when the event was emitted.
	State string

	// Msg names the kind of event, e.g. "transition" or "compensation_started".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "to": transition target state
	Meta map[string]any
}
