package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vgrid/tokengate/internal/observability"
)

// Metrics holds Prometheus metrics for token verification.
type Metrics struct {
	verificationTotal    *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
}

// NewMetrics creates new verification metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates new verification metrics registered with
// the provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tokengate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		verificationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verify",
				Name:      "verification_total",
				Help:      "Total number of token verification attempts",
			},
			[]string{"status", "algorithm"},
		),
		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "verify",
				Name:      "verification_duration_seconds",
				Help:      "Token verification duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"status", "algorithm"},
		),
	}

	m.verificationTotal = observability.RegisterOrReuse(registerer, m.verificationTotal)
	m.verificationDuration = observability.RegisterOrReuse(registerer, m.verificationDuration)

	for _, status := range []string{"success", "error"} {
		for _, alg := range []string{"RS256", "HS256"} {
			m.verificationTotal.WithLabelValues(status, alg)
			m.verificationDuration.WithLabelValues(status, alg)
		}
	}

	return m
}

// RecordVerification records the outcome of one verification attempt.
func (m *Metrics) RecordVerification(status, algorithm string, duration time.Duration) {
	if m == nil {
		return
	}
	m.verificationTotal.WithLabelValues(status, algorithm).Inc()
	m.verificationDuration.WithLabelValues(status, algorithm).Observe(duration.Seconds())
}
