package agent

import (
	"context"
	"fmt"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

var riskKeys = []string{"VIX", "HY_OAS", "T10Y2Y", "DXY"}

// RiskSentiment cross-checks volatility, credit spreads, the yield curve and
// the dollar for a risk-on or risk-off read.
type RiskSentiment struct {
	base
}

// NewRiskSentiment creates the risk/sentiment agent.
func NewRiskSentiment(reg *indicator.Registry, f Fetcher) *RiskSentiment {
	return &RiskSentiment{base: newBase("RiskSentimentAgent", model.CategoryRiskSentiment,
		"Risk = f(VIX, HY_OAS, Yield_Curve, DXY)", reg, f)}
}

// Analyze fetches and scores VIX, HY OAS, the 10Y-2Y spread and DXY.
func (a *RiskSentiment) Analyze(ctx context.Context) model.AgentResult {
	return a.run(ctx, a.analyze)
}

func (a *RiskSentiment) analyze(ctx context.Context) ([]model.FactorReading, string, error) {
	vix, err := a.fetch(ctx, "VIX")
	if err != nil {
		return nil, "", err
	}
	hy, err := a.fetch(ctx, "HY_OAS")
	if err != nil {
		return nil, "", err
	}
	curve, err := a.fetch(ctx, "T10Y2Y")
	if err != nil {
		return nil, "", err
	}
	dxy, err := a.fetch(ctx, "DXY")
	if err != nil {
		return nil, "", err
	}

	factors := make([]model.FactorReading, 0, 4)

	f := scored(a.factor(vix, "VIX", "VIX", vix.Value, ""), a.threshold("VIX"), "low volatility", "high fear")
	switch {
	case vix.Value < 15:
		f.Interpretation = "low volatility"
	case vix.Value < 25:
		f.Interpretation = "moderate"
	default:
		f.Interpretation = "high fear"
	}
	factors = append(factors, f)

	f = scored(a.factor(hy, "HY Credit Spread", "HY OAS", hy.Value, "%"), a.threshold("HY_OAS"), "tightening", "widening")
	switch {
	case hy.Value < 3:
		f.Interpretation = "risk-on, low credit risk"
	case hy.Value > 5:
		f.Interpretation = "risk-off"
	default:
		f.Interpretation = "normal"
	}
	factors = append(factors, f)

	f = scored(a.factor(curve, "10Y-2Y Spread", "Yield Curve", curve.Value, "%"), a.threshold("T10Y2Y"), "steepening", "persistent inversion")
	f.Interpretation = "inverted, recession signal"
	if curve.Value > 0 {
		f.Interpretation = "positive, recession concern easing"
	}
	factors = append(factors, f)

	f = scored(a.factor(dxy, "US Dollar Index", "DXY", dxy.Value, ""), a.threshold("DXY"), "weak dollar", "strong dollar")
	switch {
	case dxy.Value < 100:
		f.Interpretation = "weak, supportive for equities"
	case dxy.Value > 105:
		f.Interpretation = "strong, pressuring risk"
	default:
		f.Interpretation = "neutral"
	}
	factors = append(factors, f)

	summary := fmt.Sprintf("VIX=%s | HY=%s | Curve=%s | DXY=%s",
		model.FormatValue(vix.Value), model.FormatValue(hy.Value),
		model.FormatValue(curve.Value), model.FormatValue(dxy.Value))
	return factors, summary, nil
}
