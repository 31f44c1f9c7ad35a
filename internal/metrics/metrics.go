// Package metrics exposes Prometheus instrumentation for the agent.
// All series carry the medic_ prefix and are served at GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the agent records. Construct once in
// main and hand the pointer to each component.
type Metrics struct {
	// Intake
	reportsTotal     *prometheus.CounterVec
	streamReconnects prometheus.Counter

	// Decisions
	decisionsTotal  *prometheus.CounterVec
	decisionSeconds prometheus.Histogram

	// Enrichment
	siemQueriesTotal *prometheus.CounterVec
	siemSeconds      prometheus.Histogram

	// Resurrection
	resurrectionsTotal  *prometheus.CounterVec
	resurrectionSeconds prometheus.Histogram
	rollbacksTotal      prometheus.Counter

	// Pending reviews
	pendingDepth prometheus.Gauge

	// Calibration
	calibrationsTotal *prometheus.CounterVec

	// Errors by taxonomy kind
	errorsTotal *prometheus.CounterVec

	// Live feed
	wsClients prometheus.Gauge
}

// New registers all instruments on reg. Pass prometheus.DefaultRegisterer
// in production; tests use a fresh registry to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_reports_total",
			Help: "Kill reports consumed from the stream, by intake result.",
		}, []string{"result"}),

		streamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "medic_stream_reconnects_total",
			Help: "Reconnection attempts by the stream listener.",
		}),

		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_decisions_total",
			Help: "Decisions rendered, by outcome and risk level.",
		}, []string{"outcome", "risk_level"}),

		decisionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medic_decision_duration_seconds",
			Help:    "End-to-end time from dequeue to acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		siemQueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_siem_queries_total",
			Help: "SIEM enrichment calls, by status.",
		}, []string{"status"}),

		siemSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medic_siem_query_duration_seconds",
			Help:    "SIEM enrichment round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		resurrectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_resurrections_total",
			Help: "Resurrection attempts, by result.",
		}, []string{"result"}),

		resurrectionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medic_resurrection_duration_seconds",
			Help:    "Time from restart issue to health verdict.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		rollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "medic_rollbacks_total",
			Help: "Containers stopped again after a failed health check.",
		}),

		pendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medic_pending_reviews",
			Help: "Entries currently awaiting manual approval.",
		}),

		calibrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_calibrations_total",
			Help: "Threshold adjustments applied, by direction.",
		}, []string{"direction"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medic_errors_total",
			Help: "Errors encountered, by taxonomy kind.",
		}, []string{"kind"}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medic_ws_clients",
			Help: "Connected live-feed websocket clients.",
		}),
	}
}

// RecordReport counts one consumed stream message.
// result: processed, invalid, duplicate.
func (m *Metrics) RecordReport(result string) {
	m.reportsTotal.WithLabelValues(result).Inc()
}

// RecordReconnect counts one listener reconnection attempt.
func (m *Metrics) RecordReconnect() {
	m.streamReconnects.Inc()
}

// RecordDecision counts one rendered decision and its processing time.
func (m *Metrics) RecordDecision(outcome, riskLevel string, elapsed time.Duration) {
	m.decisionsTotal.WithLabelValues(outcome, riskLevel).Inc()
	m.decisionSeconds.Observe(elapsed.Seconds())
}

// RecordSIEMQuery counts one enrichment call.
// status: ok, fallback, breaker_open, disabled.
func (m *Metrics) RecordSIEMQuery(status string, elapsed time.Duration) {
	m.siemQueriesTotal.WithLabelValues(status).Inc()
	m.siemSeconds.Observe(elapsed.Seconds())
}

// RecordResurrection counts one restart attempt.
// result: success, not_found, unhealthy, timeout.
func (m *Metrics) RecordResurrection(result string, elapsed time.Duration) {
	m.resurrectionsTotal.WithLabelValues(result).Inc()
	m.resurrectionSeconds.Observe(elapsed.Seconds())
}

// RecordRollback counts one post-failure stop.
func (m *Metrics) RecordRollback() {
	m.rollbacksTotal.Inc()
}

// SetPendingDepth reports the current pending queue size.
func (m *Metrics) SetPendingDepth(n int) {
	m.pendingDepth.Set(float64(n))
}

// RecordCalibration counts one threshold adjustment.
// direction: loosen, tighten.
func (m *Metrics) RecordCalibration(direction string) {
	m.calibrationsTotal.WithLabelValues(direction).Inc()
}

// RecordError counts one error by taxonomy kind.
// kind: validation, transient, persistent, internal, fatal.
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// WSClientConnected adjusts the live-feed client gauge.
func (m *Metrics) WSClientConnected(delta int) {
	m.wsClients.Add(float64(delta))
}
