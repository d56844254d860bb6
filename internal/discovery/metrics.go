package discovery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pruned   *prometheus.CounterVec
	syncs    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcdiscovery",
			Name:      "ingest_outcomes_total",
			Help:      "Ingestion outcomes by category and status.",
		}, []string{"category", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xcdiscovery",
			Name:      "ingest_duration_seconds",
			Help:      "Time spent in a single Ingest call.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"category"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcdiscovery",
			Name:      "pruned_records_total",
			Help:      "Records removed by stale pruning.",
		}, []string{"category"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcdiscovery",
			Name:      "sync_runs_total",
			Help:      "Upstream sync runs by source and result.",
		}, []string{"source", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration, m.pruned, m.syncs)
	}
	return m
}

func (m *Metrics) observeIngest(category string, st Status, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(category, st.String()).Inc()
	m.duration.WithLabelValues(category).Observe(d.Seconds())
}

func (m *Metrics) observePrune(category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruned.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) observeSync(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncs.WithLabelValues(source, result).Inc()
}
