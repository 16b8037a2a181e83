package emit

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{FlowID: "flow-1", Msg: "flow_started", State: "pending"})
	b.Emit(Event{FlowID: "flow-1", Msg: "transition", Event: "APPROVE", State: "pending"})
	b.Emit(Event{FlowID: "flow-2", Msg: "flow_started", State: "queued"})

	history := b.GetHistory("flow-1")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Msg != "flow_started" || history[1].Msg != "transition" {
		t.Errorf("history out of order: %+v", history)
	}

	if got := b.GetHistory("unknown"); len(got) != 0 {
		t.Errorf("unknown flow history = %+v, want empty", got)
	}

	// Returned slices are copies.
	history[0].Msg = "tampered"
	if b.GetHistory("flow-1")[0].Msg != "flow_started" {
		t.Error("history mutation leaked into the buffer")
	}
}

func TestBufferedEmitter_Filter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{FlowID: "flow-1", Msg: "transition", Event: "APPROVE", State: "pending"})
	b.Emit(Event{FlowID: "flow-1", Msg: "transition", Event: "REJECT", State: "pending"})
	b.Emit(Event{FlowID: "flow-1", Msg: "transition_retry", Event: "APPROVE", State: "pending"})

	t.Run("by msg", func(t *testing.T) {
		got := b.GetHistoryWithFilter("flow-1", HistoryFilter{Msg: "transition"})
		if len(got) != 2 {
			t.Errorf("matched %d events, want 2", len(got))
		}
	})

	t.Run("by event", func(t *testing.T) {
		got := b.GetHistoryWithFilter("flow-1", HistoryFilter{Event: "APPROVE"})
		if len(got) != 2 {
			t.Errorf("matched %d events, want 2", len(got))
		}
	})

	t.Run("fields combine with AND", func(t *testing.T) {
		got := b.GetHistoryWithFilter("flow-1", HistoryFilter{Msg: "transition", Event: "APPROVE"})
		if len(got) != 1 {
			t.Errorf("matched %d events, want 1", len(got))
		}
	})

	t.Run("empty filter matches everything", func(t *testing.T) {
		got := b.GetHistoryWithFilter("flow-1", HistoryFilter{})
		if len(got) != 3 {
			t.Errorf("matched %d events, want 3", len(got))
		}
	})
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{FlowID: "flow-1", Msg: "flow_started"})
	b.Emit(Event{FlowID: "flow-2", Msg: "flow_started"})

	b.Clear("flow-1")
	if len(b.GetHistory("flow-1")) != 0 {
		t.Error("clear left events behind")
	}
	if len(b.GetHistory("flow-2")) != 1 {
		t.Error("clear removed another flow's events")
	}

	b.ClearAll()
	if len(b.GetHistory("flow-2")) != 0 {
		t.Error("clear all left events behind")
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			flowID := fmt.Sprintf("flow-%d", n%2)
			for j := 0; j < 50; j++ {
				b.Emit(Event{FlowID: flowID, Msg: "transition"})
				_ = b.GetHistory(flowID)
			}
		}(i)
	}
	wg.Wait()

	total := len(b.GetHistory("flow-0")) + len(b.GetHistory("flow-1"))
	if total != 500 {
		t.Errorf("total events = %d, want 500", total)
	}
}
