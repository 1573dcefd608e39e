package swarm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/macro-swarm/internal/model"
)

// Metrics records orchestration cycles. A nil *Metrics is a no-op.
type Metrics struct {
	runs          *prometheus.CounterVec
	agents        *prometheus.CounterVec
	duration      prometheus.Histogram
	score         prometheus.Gauge
	liveRatio     prometheus.Gauge
	persistErrors prometheus.Counter
}

// NewMetrics registers swarm metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_swarm_runs_total",
				Help: "Completed orchestration cycles by overall signal",
			},
			[]string{"signal"},
		),
		agents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macro_swarm_agent_results_total",
				Help: "Agent results by agent and outcome (ok, error, timeout)",
			},
			[]string{"agent", "outcome"},
		),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "macro_swarm_run_duration_seconds",
			Help:    "Wall time of one orchestration cycle",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		}),
		score: f.NewGauge(prometheus.GaugeOpts{
			Name: "macro_swarm_weighted_score",
			Help: "Weighted composite score of the last cycle, in [-1, 1]",
		}),
		liveRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "macro_swarm_live_ratio",
			Help: "Share of factor readings in the last cycle served from a live upstream",
		}),
		persistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "macro_swarm_persist_failures_total",
			Help: "Cycles whose readings or snapshot could not be persisted",
		}),
	}
}

func (m *Metrics) observeAgent(name, outcome string) {
	if m == nil {
		return
	}
	m.agents.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) observeRun(r *model.SwarmReport, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(r.OverallSignal)).Inc()
	m.duration.Observe(d.Seconds())
	m.score.Set(r.WeightedScore)
	if total := r.Total(); total > 0 {
		m.liveRatio.Set(float64(r.LiveCount) / float64(total))
	} else {
		m.liveRatio.Set(0)
	}
}

func (m *Metrics) observePersistFailure() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}
