package jwks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vgrid/tokengate/internal/observability"
)

// Metrics holds Prometheus metrics for JWKS operations.
type Metrics struct {
	fetchTotal    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
}

// NewMetrics creates new JWKS metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates new JWKS metrics registered with the
// provided registerer so they appear on the service's /metrics endpoint.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tokengate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "fetch_total",
				Help:      "Total number of JWKS fetch attempts",
			},
			[]string{"status"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jwks",
				Name:      "fetch_duration_seconds",
				Help:      "JWKS fetch duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
	}

	m.fetchTotal = observability.RegisterOrReuse(registerer, m.fetchTotal)
	m.fetchDuration = observability.RegisterOrReuse(registerer, m.fetchDuration)

	for _, status := range []string{"success", "error"} {
		m.fetchTotal.WithLabelValues(status)
	}

	return m
}

// RecordFetch records the outcome of one JWKS fetch.
func (m *Metrics) RecordFetch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(status).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}
