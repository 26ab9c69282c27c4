package query

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors a Cache reports to.
type Metrics struct {
	requests      *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	discarded     prometheus.Counter
	entries       prometheus.Gauge
}

// NewMetrics creates the cache collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Cache lookups by resource and outcome (hit, stale, miss, error).",
		}, []string{"resource", "outcome"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "invalidations_total",
			Help:      "Entries invalidated by resource.",
		}, []string{"resource"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "fetch_errors_total",
			Help:      "Upstream fetches that returned an error.",
		}, []string{"resource"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "fetch_duration_seconds",
			Help:      "Upstream fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "discarded_results_total",
			Help:      "Fetch results dropped because the entry was invalidated while in flight.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anda_web",
			Subsystem: "query",
			Name:      "entries",
			Help:      "Entries held after the last collection.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.invalidations, m.fetchErrors, m.fetchDuration, m.discarded, m.entries)
	}
	return m
}
