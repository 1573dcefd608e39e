package fetcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/macro-swarm/internal/model"
)

// Metrics records fetch tier outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	attempts  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	served    *prometheus.CounterVec
	upstreams *prometheus.CounterVec
}

// NewMetrics registers fetch metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_fetch_attempts_total",
				Help: "Network tier attempts by indicator, fetch method and outcome",
			},
			[]string{"indicator", "method", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "macro_fetch_attempt_duration_seconds",
				Help:    "Duration of network tier attempts in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		served: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_fetch_served_total",
				Help: "Readings returned by indicator and the tier that served them",
			},
			[]string{"indicator", "method"},
		),
		upstreams: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_upstream_responses_total",
				Help: "HTTP responses by upstream and status code",
			},
			[]string{"upstream", "code"},
		),
	}
}

func (m *Metrics) observeAttempt(key string, method model.FetchMethod, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(key, string(method), outcome).Inc()
	m.latency.WithLabelValues(string(method)).Observe(d.Seconds())
}

func (m *Metrics) observeServed(key string, method model.FetchMethod) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(key, string(method)).Inc()
}

func (m *Metrics) observeUpstream(upstream, code string) {
	if m == nil {
		return
	}
	m.upstreams.WithLabelValues(upstream, code).Inc()
}
