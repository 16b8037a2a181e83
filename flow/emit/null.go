package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful when observability overhead is unwanted or tests don't care about
// event capture. Safe for concurrent use, zero overhead.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
