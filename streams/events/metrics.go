package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts subscription activity. A nil *Metrics disables recording.
type Metrics struct {
	logsTotal       *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_logs_total",
			Help: "Contract logs received over the live subscription.",
		}, []string{"contract"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_reconnects_total",
			Help: "Times the log subscription was re-established after a drop.",
		}),
	}
	reg.MustRegister(m.logsTotal, m.reconnectsTotal)
	return m
}

func (m *Metrics) observeLog(contract string) {
	if m == nil {
		return
	}
	m.logsTotal.WithLabelValues(contract).Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}
