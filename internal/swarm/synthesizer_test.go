package swarm

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/model"
)

var weights = map[model.Category]float64{
	model.CategoryLiquidity:     1.5,
	model.CategoryValuation:     1.3,
	model.CategoryRiskSentiment: 1.0,
}

var fred = model.DataSource{Name: "VIX", URL: "https://fred.stlouisfed.org/series/VIXCLS", SeriesID: "VIXCLS", Frequency: "Daily"}

func factor(name string, v float64, unit string, sig model.Signal, live bool, src model.DataSource) model.FactorReading {
	return model.FactorReading{Name: name, Key: name, Value: v, Unit: unit, Signal: sig, Live: live, Source: src}
}

func liquidity(sig model.Signal, conf float64) model.AgentResult {
	return model.AgentResult{
		AgentName: "LiquidityAgent", Category: model.CategoryLiquidity, Signal: sig, Confidence: conf,
		Factors: []model.FactorReading{
			factor("Fed Balance Sheet", 6.6, "T", model.SignalNeutral, true, model.DataSource{Name: "WALCL", URL: "https://fred.stlouisfed.org/series/WALCL"}),
			factor("Fed Net Liquidity", 5.69, "T", model.SignalNeutral, true, model.ComputedSource()),
		},
	}
}

func valuation(sig model.Signal, conf float64) model.AgentResult {
	return model.AgentResult{
		AgentName: "ValuationAgent", Category: model.CategoryValuation, Signal: sig, Confidence: conf,
		Factors: []model.FactorReading{
			factor("S&P 500 TTM PE", 29.81, "x", model.SignalBearish, false, model.DataSource{Name: "multpl", URL: "https://www.multpl.com/s-p-500-pe-ratio"}),
			factor("Equity Risk Premium", 0.39, "%", model.SignalBearish, true, model.ComputedSource()),
		},
	}
}

func risk(sig model.Signal, conf float64) model.AgentResult {
	return model.AgentResult{
		AgentName: "RiskSentimentAgent", Category: model.CategoryRiskSentiment, Signal: sig, Confidence: conf,
		Factors: []model.FactorReading{
			factor("VIX", 17.79, "", model.SignalNeutral, true, fred),
			factor("VIX again", 17.79, "", model.SignalBullish, true, fred),
			factor("HY Credit Spread", 2.86, "%", model.SignalBullish, false, model.DataSource{Name: "HY", URL: "https://fred.stlouisfed.org/series/BAMLH0A0HYM2"}),
		},
	}
}

func TestSynthesize_Partition(t *testing.T) {
	rep := Synthesize([]model.AgentResult{
		liquidity(model.SignalNeutral, 0.5),
		valuation(model.SignalBearish, 0.5),
		risk(model.SignalBullish, 0.75),
	}, weights)

	assert.Equal(t, []string{"S&P 500 TTM PE (29.81x)", "Equity Risk Premium (0.39%)"}, rep.BearFactors)
	assert.Equal(t, []string{"VIX again (17.79)", "HY Credit Spread (2.86%)"}, rep.BullFactors)
	assert.Len(t, rep.NeutralFactors, 3)

	assert.Equal(t, 5, rep.LiveCount)
	assert.Equal(t, 2, rep.FallbackCount)
	assert.Equal(t, 7, rep.Total())

	// Computed sources have no URL; the duplicated VIX source appears once.
	require.Len(t, rep.Sources, 4)
	for _, s := range rep.Sources {
		assert.NotEmpty(t, s.URL)
	}
}

func TestSynthesize_Weighting(t *testing.T) {
	tests := []struct {
		name    string
		results []model.AgentResult
		score   float64
		signal  model.Signal
	}{
		{
			// (-1.3*0.5 + 1.0*0.75) / (0.65 + 0.75)
			name:    "mixed inside deadband",
			results: []model.AgentResult{liquidity(model.SignalNeutral, 0.5), valuation(model.SignalBearish, 0.5), risk(model.SignalBullish, 0.75)},
			score:   0.1 / 1.4,
			signal:  model.SignalNeutral,
		},
		{
			name:    "bearish",
			results: []model.AgentResult{liquidity(model.SignalBullish, 0.25), valuation(model.SignalBearish, 0.5), risk(model.SignalBearish, 1.0)},
			score:   (0.375 - 0.65 - 1.0) / 2.025,
			signal:  model.SignalBearish,
		},
		{
			name:    "neutral agents do not dilute",
			results: []model.AgentResult{liquidity(model.SignalNeutral, 0.5), valuation(model.SignalNeutral, 0.5), risk(model.SignalBullish, 0.25)},
			score:   1,
			signal:  model.SignalBullish,
		},
		{
			name:    "all neutral",
			results: []model.AgentResult{liquidity(model.SignalNeutral, 0.5), risk(model.SignalNeutral, 0.5)},
			score:   0,
			signal:  model.SignalNeutral,
		},
		{
			name:    "empty",
			results: nil,
			score:   0,
			signal:  model.SignalNeutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Synthesize(tt.results, weights)
			assert.InDelta(t, tt.score, rep.WeightedScore, 1e-9)
			assert.Equal(t, tt.signal, rep.OverallSignal)
			assert.GreaterOrEqual(t, rep.WeightedScore, -1.0)
			assert.LessOrEqual(t, rep.WeightedScore, 1.0)
		})
	}
}

func TestSynthesize_DeadbandEdges(t *testing.T) {
	// Exactly 0.2 stays neutral: bull w=0.6, bear w=0.4.
	a := model.AgentResult{Category: model.CategoryRiskSentiment, Signal: model.SignalBullish, Confidence: 0.6}
	b := model.AgentResult{Category: "OTHER", Signal: model.SignalBearish, Confidence: 0.4}
	rep := Synthesize([]model.AgentResult{a, b}, weights)
	assert.InDelta(t, 0.2, rep.WeightedScore, 1e-9)
	assert.Equal(t, model.SignalNeutral, rep.OverallSignal)
}

func TestSynthesize_SkipsErrored(t *testing.T) {
	failed := model.FailedResult("ValuationAgent", model.CategoryValuation, errors.New("boom"), time.Time{})
	failed.Factors = valuation(model.SignalBearish, 1).Factors // must be ignored

	rep := Synthesize([]model.AgentResult{liquidity(model.SignalNeutral, 0.5), failed, risk(model.SignalBullish, 0.75)}, weights)
	assert.InDelta(t, 1.0, rep.WeightedScore, 1e-9)
	assert.Equal(t, model.SignalBullish, rep.OverallSignal)
	assert.Empty(t, rep.BearFactors)
	assert.Equal(t, 5, rep.Total())
	assert.Len(t, rep.AgentResults, 3, "errored results stay in the report")
}

func TestSynthesize_Idempotent(t *testing.T) {
	in := []model.AgentResult{liquidity(model.SignalBullish, 0.25), valuation(model.SignalBearish, 0.5), risk(model.SignalBullish, 0.75)}
	first, err := json.Marshal(Synthesize(in, weights))
	require.NoError(t, err)
	second, err := json.Marshal(Synthesize(in, weights))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSynthesize_OrderInvariantScore(t *testing.T) {
	in := []model.AgentResult{liquidity(model.SignalBullish, 0.25), valuation(model.SignalBearish, 0.5), risk(model.SignalBearish, 1.0)}
	want := Synthesize(in, weights)

	r := rand.New(rand.NewPCG(1, 2))
	for range 10 {
		shuffled := append([]model.AgentResult(nil), in...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Synthesize(shuffled, weights)
		assert.InDelta(t, want.WeightedScore, got.WeightedScore, 1e-12)
		assert.Equal(t, want.OverallSignal, got.OverallSignal)
		assert.ElementsMatch(t, want.BullFactors, got.BullFactors)
		assert.ElementsMatch(t, want.BearFactors, got.BearFactors)
		assert.Equal(t, want.LiveCount, got.LiveCount)
	}
}
