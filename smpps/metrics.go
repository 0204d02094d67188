package smpps

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors each CnxStatus field as a Prometheus collector so the
// counters are observable externally without polling CnxStatus directly.
// This is additive instrumentation; it never drives behavior.
type metrics struct {
	boundConnections *prometheus.GaugeVec
	bindTotal        *prometheus.CounterVec
	unbindTotal      *prometheus.CounterVec
	submitSmTotal    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		boundConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smppd_bound_connections",
			Help: "Current bound sessions per user and bind type.",
		}, []string{"user_id", "bind_type"}),
		bindTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppd_bind_total",
			Help: "Total successful binds per user.",
		}, []string{"user_id"}),
		unbindTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppd_unbind_total",
			Help: "Total unbinds (graceful or abrupt) per user.",
		}, []string{"user_id"}),
		submitSmTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smppd_submit_sm_requests_total",
			Help: "Total submit_sm requests per user, accepted or rejected.",
		}, []string{"user_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.boundConnections, m.bindTotal, m.unbindTotal, m.submitSmTotal)
	}
	return m
}

func (m *metrics) observeBind(userID string, bType BindType) {
	m.bindTotal.WithLabelValues(userID).Inc()
	m.boundConnections.WithLabelValues(userID, bType.String()).Inc()
}

func (m *metrics) observeUnbind(userID string, bType BindType) {
	m.unbindTotal.WithLabelValues(userID).Inc()
	m.boundConnections.WithLabelValues(userID, bType.String()).Dec()
}

func (m *metrics) observeSubmitSm(userID string) {
	m.submitSmTotal.WithLabelValues(userID).Inc()
}
