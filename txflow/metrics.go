package txflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for the mutation layer.
type Metrics struct {
	mutationsTotal   *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	approvalsSkipped *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics for the mutation layer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khipu_mutations_total",
			Help: "Total number of mutations, labeled by product, method and result.",
		}, []string{"product", "method", "result"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "khipu_mutation_duration_seconds",
			Help:    "Wall time from signing request to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"product", "method"}),
		approvalsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khipu_approvals_skipped_total",
			Help: "Approve-then-act sequences that found a sufficient allowance.",
		}, []string{"product"}),
	}
	reg.MustRegister(m.mutationsTotal, m.mutationDuration, m.approvalsSkipped)
	return m
}

func (m *Metrics) observeMutation(product, method, result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(product, method, result).Inc()
	m.mutationDuration.WithLabelValues(product, method).Observe(dur.Seconds())
}

func (m *Metrics) observeApprovalSkipped(product string) {
	if m == nil {
		return
	}
	m.approvalsSkipped.WithLabelValues(product).Inc()
}
