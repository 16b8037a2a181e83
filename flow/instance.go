package flow

import "time"

// Status is the lifecycle phase of a flow instance.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HistoryRecord is one successful transition. From and To follow the
// StateRef wire convention (string or list of strings).
type HistoryRecord struct {
	From      StateRef  `json:"from"`
	To        StateRef  `json:"to"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// CompensationEntry is one recorded undo action. Entries are appended in
// recording order and executed in reverse; they are never popped, so the
// stack doubles as an audit trail.
//
// Action is an opaque callable and is not serialized. Durable stores persist
// ActionName instead and rehydrate the callable through a Registry on load;
// entries recorded from anonymous closures do not survive a process restart.
type CompensationEntry struct {
	StateLabel  string    `json:"stateLabel"`
	Action      HookFunc  `json:"-"`
	ActionName  string    `json:"actionName,omitempty"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SubFlowRef links a parent flow to a child instance it started. It is a
// back-reference, never ownership: the child is an independent top-level
// entry in the store.
type SubFlowRef struct {
	SubFlowID      string     `json:"subFlowId"`
	DefinitionID   string     `json:"definitionId"`
	StartedInState string     `json:"startedInState"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Result         Context    `json:"result,omitempty"`
}

// FlowError captures the failure that moved an instance to StatusFailed.
type FlowError struct {
	Message   string    `json:"message"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowInstance is one live execution of a definition.
//
// An instance is exclusively owned by the store; the engine holds it only
// for the duration of a single operation. Values read out of a store are
// snapshot copies, so mutations must be written back explicitly. History and
// Compensations are append-only.
type FlowInstance struct {
	FlowID        string              `json:"flowId"`
	DefinitionID  string              `json:"definitionId"`
	Version       string              `json:"version"`
	Current       StateRef            `json:"currentState"`
	Context       Context             `json:"context"`
	Status        Status              `json:"status"`
	History       []HistoryRecord     `json:"history"`
	Compensations []CompensationEntry `json:"compensations"`
	SubFlows      []SubFlowRef        `json:"subFlows"`
	ParentFlowID  string              `json:"parentFlowId,omitempty"`
	Error         *FlowError          `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy of the instance. Context values that are maps or
// slices are copied recursively; hook funcs are copied by reference (they
// are immutable). Stores clone on both read and write so external mutation
// of returned snapshots cannot corrupt stored state.
func (f *FlowInstance) Clone() *FlowInstance {
	if f == nil {
		return nil
	}

	out := *f
	out.Context = CloneContext(f.Context)

	if f.History != nil {
		out.History = make([]HistoryRecord, len(f.History))
		copy(out.History, f.History)
	}

	if f.Compensations != nil {
		out.Compensations = make([]CompensationEntry, len(f.Compensations))
		copy(out.Compensations, f.Compensations)
	}

	if f.SubFlows != nil {
		out.SubFlows = make([]SubFlowRef, len(f.SubFlows))
		for i, ref := range f.SubFlows {
			out.SubFlows[i] = ref
			out.SubFlows[i].Result = CloneContext(ref.Result)
			if ref.CompletedAt != nil {
				t := *ref.CompletedAt
				out.SubFlows[i].CompletedAt = &t
			}
		}
	}

	if f.Error != nil {
		e := *f.Error
		out.Error = &e
	}

	return &out
}

// CloneContext deep-copies a flow context. Nested map[string]any and []any
// values are copied recursively; every other value is copied as-is.
func CloneContext(data Context) Context {
	if data == nil {
		return nil
	}
	out := make(Context, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case Context:
		return CloneContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
