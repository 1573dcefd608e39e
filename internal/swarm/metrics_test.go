package swarm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/model"
)

// counterValue sums the counter samples of name whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}

func TestMetrics_ObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeRun(&model.SwarmReport{OverallSignal: model.SignalBearish, WeightedScore: -0.63, LiveCount: 9, FallbackCount: 3}, 4*time.Second)
	assert.InDelta(t, -0.63, gaugeValue(t, reg, "macro_swarm_weighted_score"), 1e-9)
	assert.InDelta(t, 0.75, gaugeValue(t, reg, "macro_swarm_live_ratio"), 1e-9)

	m.observeRun(&model.SwarmReport{OverallSignal: model.SignalNeutral}, time.Second)
	assert.Zero(t, gaugeValue(t, reg, "macro_swarm_live_ratio"))
	assert.InDelta(t, 2, counterValue(t, reg, "macro_swarm_runs_total", nil), 1e-9)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.observeAgent("LiquidityAgent", "ok")
	m.observeRun(&model.SwarmReport{}, 0)
	m.observePersistFailure()
}
