// Package metrics exposes Prometheus counters for session hosts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one registry. Several nodes may share a
// Metrics; every series carries a node label.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EventsSent         *prometheus.CounterVec
	Resends            *prometheus.CounterVec
	OutboxPublished    *prometheus.CounterVec
	SessionsTerminated *prometheus.CounterVec
	ProcessingErrors   *prometheus.CounterVec
	SessionsDeleted    *prometheus.CounterVec
}

// New registers the counters with reg. A nil reg uses a private registry,
// which keeps tests and simulations independent of the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_events_received_total",
			Help: "Inbound session events by kind and disposition",
		}, []string{"node", "kind", "disposition"}),
		EventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_events_sent_total",
			Help: "Outbound session events committed to the outbox by kind",
		}, []string{"node", "kind"}),
		Resends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_resends_total",
			Help: "Retransmissions of unacknowledged events",
		}, []string{"node"}),
		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_outbox_published_total",
			Help: "Outbox records handed to the bus",
		}, []string{"node"}),
		SessionsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_sessions_terminated_total",
			Help: "Sessions that reached a terminal status",
		}, []string{"node", "status"}),
		ProcessingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_processing_errors_total",
			Help: "Events rejected as unusable, by error code",
		}, []string{"node", "code"}),
		SessionsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowsess_sessions_deleted_total",
			Help: "Terminal sessions removed from the store",
		}, []string{"node"}),
	}
}

// RecordReceived counts one inbound event.
func (m *Metrics) RecordReceived(node, kind, disposition string) {
	if kind == "" {
		kind = "unknown"
	}
	m.EventsReceived.WithLabelValues(node, kind, disposition).Inc()
}

// RecordSent counts one outbound event.
func (m *Metrics) RecordSent(node, kind string) {
	m.EventsSent.WithLabelValues(node, kind).Inc()
}

// RecordResends counts n retransmitted events.
func (m *Metrics) RecordResends(node string, n int) {
	if n > 0 {
		m.Resends.WithLabelValues(node).Add(float64(n))
	}
}

// RecordPublished counts n published outbox records.
func (m *Metrics) RecordPublished(node string, n int) {
	if n > 0 {
		m.OutboxPublished.WithLabelValues(node).Add(float64(n))
	}
}

// RecordTerminated counts a session reaching status.
func (m *Metrics) RecordTerminated(node, status string) {
	m.SessionsTerminated.WithLabelValues(node, status).Inc()
}

// RecordProcessingError counts an event rejected with code.
func (m *Metrics) RecordProcessingError(node, code string) {
	if code == "" {
		code = "unknown"
	}
	m.ProcessingErrors.WithLabelValues(node, code).Inc()
}

// RecordDeleted counts a session removed from the store.
func (m *Metrics) RecordDeleted(node string) {
	m.SessionsDeleted.WithLabelValues(node).Inc()
}
