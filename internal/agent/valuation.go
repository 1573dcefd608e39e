package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

var valuationKeys = []string{"SP500_PE", "SP500_FWD_PE", "DGS10"}

// defaultForwardPE stands in for a degenerate forward PE when the registry
// carries no historical average.
const defaultForwardPE = 17.0

// Valuation scores equity multiples and the equity risk premium.
type Valuation struct {
	base
}

// NewValuation creates the valuation agent.
func NewValuation(reg *indicator.Registry, f Fetcher) *Valuation {
	return &Valuation{base: newBase("ValuationAgent", model.CategoryValuation,
		"ERP = (1 / Forward PE) − 10Y Yield", reg, f)}
}

// Analyze fetches trailing and forward PE plus the 10Y yield and derives ERP.
func (a *Valuation) Analyze(ctx context.Context) model.AgentResult {
	return a.run(ctx, a.analyze)
}

func (a *Valuation) analyze(ctx context.Context) ([]model.FactorReading, string, error) {
	pe, err := a.fetch(ctx, "SP500_PE")
	if err != nil {
		return nil, "", err
	}
	fwd, err := a.fetch(ctx, "SP500_FWD_PE")
	if err != nil {
		return nil, "", err
	}
	y10, err := a.fetch(ctx, "DGS10")
	if err != nil {
		return nil, "", err
	}

	thPE := a.threshold("TTM_PE")
	thFwd := a.threshold("FWD_PE")
	thERP := a.threshold("ERP")

	factors := make([]model.FactorReading, 0, 4)

	f := scored(a.factor(pe, "S&P 500 TTM PE", "TTM PE", pe.Value, "x"), thPE, "cheap", "expensive")
	if f.HistoricalAvg != nil {
		rel := "below"
		if pe.Value > *f.HistoricalAvg {
			rel = "above"
		}
		f.Interpretation = fmt.Sprintf("%s historical average %sx", rel, model.FormatValue(*f.HistoricalAvg))
	}
	factors = append(factors, f)

	f = scored(a.factor(fwd, "S&P 500 Forward PE", "Forward PE", fwd.Value, "x"), thFwd, "", "")
	f.Interpretation = "reasonable"
	if fwd.Value > 21 {
		f.Interpretation = "near bubble territory"
	}
	factors = append(factors, f)

	f = a.factor(y10, "10Y Treasury Yield", "10Y Yield", y10.Value, "%")
	f.Interpretation = "benchmark risk-free rate"
	factors = append(factors, f)

	fwdPE, fwdLive := fwd.Value, fwd.Live
	if fwdPE <= 0 {
		fwdPE = defaultForwardPE
		if thFwd.HistAvg != nil {
			fwdPE = *thFwd.HistAvg
		}
		fwdLive = false
		a.log.Warn("non-positive forward PE, using historical average",
			zap.Float64("value", fwd.Value), zap.Float64("substitute", fwdPE))
	}

	earningsYield := 100 / fwdPE
	erp := earningsYield - y10.Value
	f = scored(a.computed("Equity Risk Premium", "ERP", round(erp, 2), "%", fwdLive && y10.Live),
		thERP, "equities cheap", "equities expensive")
	f.Interpretation = fmt.Sprintf("Earnings yield %.1f%% − 10Y %s%% = %.1f%%",
		earningsYield, model.FormatValue(y10.Value), erp)
	factors = append(factors, f)

	summary := fmt.Sprintf("PE %sx (avg %s) | Fwd PE %sx | ERP %.1f%% (avg %s)",
		model.FormatValue(pe.Value), histAvg(thPE, "x"), model.FormatValue(fwdPE), erp, histAvg(thERP, "%"))
	return factors, summary, nil
}

func histAvg(th indicator.Threshold, unit string) string {
	if th.HistAvg == nil {
		return "n/a"
	}
	return model.FormatValue(*th.HistAvg) + unit
}
