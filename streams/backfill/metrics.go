package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for historical scans.
type Metrics struct {
	scanDuration *prometheus.HistogramVec
	chunksTotal  *prometheus.CounterVec
	retriesTotal *prometheus.CounterVec
	scansTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics for historical scans.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "khipu_backfill_scan_duration_seconds",
			Help:    "Total time taken by one historical scan.",
			Buckets: prometheus.DefBuckets,
		}, []string{"contract"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khipu_backfill_chunks_total",
			Help: "Block-range chunks fetched, labeled by result.",
		}, []string{"contract", "result"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khipu_backfill_retries_total",
			Help: "Chunk fetches that had to be retried.",
		}, []string{"contract"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "khipu_backfill_scans_total",
			Help: "Historical scans, labeled by result.",
		}, []string{"contract", "result"}),
	}
	reg.MustRegister(m.scanDuration, m.chunksTotal, m.retriesTotal, m.scansTotal)
	return m
}

func (m *Metrics) observeChunk(contract, result string) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(contract, result).Inc()
}

func (m *Metrics) observeRetry(contract string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(contract).Inc()
}

func (m *Metrics) observeScan(contract, result string, seconds float64) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(contract, result).Inc()
	m.scanDuration.WithLabelValues(contract).Observe(seconds)
}
