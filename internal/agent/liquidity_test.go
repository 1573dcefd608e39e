package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

func TestLiquidity_NetLiquidity(t *testing.T) {
	r := NewLiquidity(indicator.MustDefault(), baseline()).Analyze(context.Background())
	require.False(t, r.Failed(), r.Error)
	require.Len(t, r.Factors, 4)

	assert.InDelta(t, 6.6, factorByKey(t, r, "WALCL").Value, 1e-9)
	assert.Equal(t, "T", factorByKey(t, r, "WALCL").Unit)
	assert.InDelta(t, 909.0, factorByKey(t, r, "TGA").Value, 1e-9)
	assert.Equal(t, "largely depleted", factorByKey(t, r, "RRP").Interpretation)

	net := factorByKey(t, r, "Net Liquidity")
	assert.InDelta(t, 5.69, net.Value, 1e-9)
	assert.Equal(t, model.SignalNeutral, net.Signal)
	assert.Equal(t, "stable", net.Interpretation)
	assert.Equal(t, model.ComputedSource(), net.Source)
	assert.Empty(t, net.Source.URL)
	assert.Equal(t, model.FetchMethodComputed, net.Method)
	assert.True(t, net.Live)
	assert.Equal(t, ">6T ample", net.BullCondition)

	// Everything neutral, so the vote ties.
	assert.Equal(t, model.SignalNeutral, r.Signal)
	assert.InDelta(t, 0.5, r.Confidence, 1e-9)
	assert.Equal(t, "Net Liquidity = WALCL − TGA − RRP", r.Formula)
	assert.Equal(t, "Net liquidity $5.7T = WALCL($6.6T) − TGA($909B) − RRP($1B)", r.Summary)
}

func TestLiquidity_Signals(t *testing.T) {
	tests := []struct {
		name  string
		walcl float64
		want  model.Signal
		conf  float64
	}{
		{"ample", 7_200_000, model.SignalBullish, 0.25},
		{"tight", 6_000_000, model.SignalBearish, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf := baseline()
			sf.values["WALCL"] = tt.walcl
			r := NewLiquidity(indicator.MustDefault(), sf).Analyze(context.Background())
			require.False(t, r.Failed())
			assert.Equal(t, tt.want, factorByKey(t, r, "Net Liquidity").Signal)
			assert.Equal(t, tt.want, r.Signal)
			assert.InDelta(t, tt.conf, r.Confidence, 1e-9)
		})
	}
}

func TestLiquidity_LivenessPropagates(t *testing.T) {
	sf := baseline()
	sf.stale = map[string]bool{"TGA": true}
	r := NewLiquidity(indicator.MustDefault(), sf).Analyze(context.Background())
	require.False(t, r.Failed())

	assert.True(t, factorByKey(t, r, "WALCL").Live)
	assert.False(t, factorByKey(t, r, "TGA").Live)
	assert.Equal(t, model.FetchMethodFallback, factorByKey(t, r, "TGA").Method)
	assert.False(t, factorByKey(t, r, "Net Liquidity").Live, "derived value is live only if every input is")
}

func TestLiquidity_RRPBuffer(t *testing.T) {
	sf := baseline()
	sf.values["RRP"] = 450
	r := NewLiquidity(indicator.MustDefault(), sf).Analyze(context.Background())
	assert.Equal(t, "still a buffer", factorByKey(t, r, "RRP").Interpretation)
}
