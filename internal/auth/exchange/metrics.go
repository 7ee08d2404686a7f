package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vgrid/tokengate/internal/observability"
)

// Metrics contains exchange metrics.
type Metrics struct {
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
}

// NewMetrics creates exchange metrics registered with the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates exchange metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokengate",
				Subsystem: "exchange",
				Name:      "total",
				Help:      "Total number of token exchange attempts",
			},
			[]string{"provider", "outcome"},
		),
		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tokengate",
				Subsystem: "exchange",
				Name:      "duration_seconds",
				Help:      "Token exchange duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),
	}

	m.exchangesTotal = observability.RegisterOrReuse(registerer, m.exchangesTotal)
	m.exchangeDuration = observability.RegisterOrReuse(registerer, m.exchangeDuration)

	m.init()

	return m
}

// init pre-populates common label combinations so the Vec metrics appear
// in /metrics output immediately after startup.
func (m *Metrics) init() {
	if m.exchangesTotal == nil {
		return
	}
	outcomes := []string{"success", "verification_failed", "invalid_issuer",
		"invalid_format", "rate_limited", "error"}
	for _, o := range outcomes {
		m.exchangesTotal.WithLabelValues("", o)
	}
}

// RecordExchange records one exchange attempt.
func (m *Metrics) RecordExchange(provider, outcome string, duration time.Duration) {
	if m.exchangesTotal == nil {
		return
	}
	m.exchangesTotal.WithLabelValues(provider, outcome).Inc()
	m.exchangeDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}
