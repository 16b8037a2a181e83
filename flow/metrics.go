package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for flow execution
// monitoring. All metrics are namespaced with "stateflow_":
//
//   - transitions_total (counter): transitions by definition_id, event, status
//     (status: success, failed, noop).
//   - execute_latency_ms (histogram): Execute duration by definition_id, event.
//   - retries_total (counter): transition retry attempts by definition_id,
//     state, event.
//   - compensations_total (counter): compensation runs by definition_id.
//   - active_flows (gauge): flows currently in a non-terminal status.
//
// A nil *Metrics disables recording, so the engine can be wired without a
// metrics dependency.
type Metrics struct {
	transitions    *prometheus.CounterVec
	executeLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	activeFlows    prometheus.Gauge
}

// NewMetrics creates and registers all flow execution metrics with the given
// registry (prometheus.DefaultRegisterer if nil). Expose them with
// promhttp.HandlerFor in application code.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "transitions_total",
			Help:      "Cumulative count of transition outcomes across all flows",
		}, []string{"definition_id", "event", "status"}),

		executeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "execute_latency_ms",
			Help:      "Execute duration in milliseconds, middleware included",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"definition_id", "event"}),

		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "retries_total",
			Help:      "Cumulative count of transition retry attempts",
		}, []string{"definition_id", "state", "event"}),

		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "compensations_total",
			Help:      "Cumulative count of compensation runs",
		}, []string{"definition_id"}),

		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "active_flows",
			Help:      "Flows currently in a non-terminal status",
		}),
	}
}

// RecordTransition counts one transition outcome.
func (m *Metrics) RecordTransition(definitionID, event, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(definitionID, event, status).Inc()
}

// ObserveExecuteLatency records one Execute duration.
func (m *Metrics) ObserveExecuteLatency(definitionID, event string, d time.Duration) {
	if m == nil {
		return
	}
	m.executeLatency.WithLabelValues(definitionID, event).Observe(float64(d.Milliseconds()))
}

// IncRetries counts one transition retry attempt.
func (m *Metrics) IncRetries(definitionID, state, event string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(definitionID, state, event).Inc()
}

// IncCompensations counts one compensation run.
func (m *Metrics) IncCompensations(definitionID string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(definitionID).Inc()
}

// FlowStarted bumps the active flow gauge.
func (m *Metrics) FlowStarted() {
	if m == nil {
		return
	}
	m.activeFlows.Inc()
}

// FlowFinished drops the active flow gauge when a flow reaches a terminal
// status.
func (m *Metrics) FlowFinished() {
	if m == nil {
		return
	}
	m.activeFlows.Dec()
}
