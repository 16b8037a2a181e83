package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by flow id for efficient retrieval and filtering.
//
// Intended for development, testing, and post-execution analysis. All events
// are kept in memory; long-lived deployments should clear finished flows or
// use a persistent backend instead.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // flowID -> events
}

// HistoryFilter selects events in GetHistoryWithFilter. Set fields are
// combined with AND logic; zero values are ignored.
type HistoryFilter struct {
	// Msg filters by event kind, e.g. "transition_failed".
	Msg string

	// Event filters by the flow event name being processed.
	Event string

	// State filters by the state label at emission time.
	State string
}

// NewBufferedEmitter returns an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to the flow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

// GetHistory returns a copy of all events emitted for flowID, in emission
// order.
func (b *BufferedEmitter) GetHistory(flowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[flowID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// GetHistoryWithFilter returns the events for flowID matching the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(flowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events[flowID] {
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.Event != "" && event.Event != filter.Event {
			continue
		}
		if filter.State != "" && event.State != filter.State {
			continue
		}
		out = append(out, event)
	}
	return out
}

// Clear removes all events for flowID.
func (b *BufferedEmitter) Clear(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, flowID)
}

// ClearAll removes all buffered events.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}
