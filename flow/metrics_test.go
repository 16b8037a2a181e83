package flow

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recording(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	t.Run("counts transition outcomes by status", func(t *testing.T) {
		m.RecordTransition("order", "APPROVE", "success")
		m.RecordTransition("order", "APPROVE", "success")
		m.RecordTransition("order", "APPROVE", "failed")
		m.RecordTransition("order", "APPROVE", "noop")

		if got := testutil.ToFloat64(m.transitions.WithLabelValues("order", "APPROVE", "success")); got != 2 {
			t.Errorf("success count = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.transitions.WithLabelValues("order", "APPROVE", "failed")); got != 1 {
			t.Errorf("failed count = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.transitions.WithLabelValues("order", "APPROVE", "noop")); got != 1 {
			t.Errorf("noop count = %v, want 1", got)
		}
	})

	t.Run("observes execute latency", func(t *testing.T) {
		m.ObserveExecuteLatency("order", "APPROVE", 42*time.Millisecond)
		if got := testutil.CollectAndCount(m.executeLatency); got != 1 {
			t.Errorf("latency series = %d, want 1", got)
		}
	})

	t.Run("counts retries per state and event", func(t *testing.T) {
		m.IncRetries("order", "pending", "APPROVE")
		m.IncRetries("order", "pending", "APPROVE")
		if got := testutil.ToFloat64(m.retries.WithLabelValues("order", "pending", "APPROVE")); got != 2 {
			t.Errorf("retry count = %v, want 2", got)
		}
	})

	t.Run("counts compensation runs", func(t *testing.T) {
		m.IncCompensations("order")
		if got := testutil.ToFloat64(m.compensations.WithLabelValues("order")); got != 1 {
			t.Errorf("compensation count = %v, want 1", got)
		}
	})

	t.Run("tracks active flows as a gauge", func(t *testing.T) {
		m.FlowStarted()
		m.FlowStarted()
		m.FlowFinished()
		if got := testutil.ToFloat64(m.activeFlows); got != 1 {
			t.Errorf("active flows = %v, want 1", got)
		}
	})
}

// A nil Metrics disables recording entirely.
func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordTransition("order", "APPROVE", "success")
	m.ObserveExecuteLatency("order", "APPROVE", time.Millisecond)
	m.IncRetries("order", "pending", "APPROVE")
	m.IncCompensations("order")
	m.FlowStarted()
	m.FlowFinished()
}
