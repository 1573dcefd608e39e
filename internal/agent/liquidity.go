package agent

import (
	"context"
	"fmt"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

var liquidityKeys = []string{"WALCL", "TGA", "RRP"}

// Liquidity tracks Fed net liquidity: balance sheet less the Treasury
// account and overnight reverse repo.
type Liquidity struct {
	base
}

// NewLiquidity creates the liquidity agent.
func NewLiquidity(reg *indicator.Registry, f Fetcher) *Liquidity {
	return &Liquidity{base: newBase("LiquidityAgent", model.CategoryLiquidity,
		"Net Liquidity = WALCL − TGA − RRP", reg, f)}
}

// Analyze fetches WALCL, TGA and RRP and scores the derived net liquidity.
func (a *Liquidity) Analyze(ctx context.Context) model.AgentResult {
	return a.run(ctx, a.analyze)
}

func (a *Liquidity) analyze(ctx context.Context) ([]model.FactorReading, string, error) {
	walcl, err := a.fetch(ctx, "WALCL")
	if err != nil {
		return nil, "", err
	}
	tga, err := a.fetch(ctx, "TGA")
	if err != nil {
		return nil, "", err
	}
	rrp, err := a.fetch(ctx, "RRP")
	if err != nil {
		return nil, "", err
	}

	// WALCL and TGA are reported in millions.
	walclT := walcl.Value / 1_000_000
	tgaB := tga.Value / 1_000
	rrpB := rrp.Value

	factors := make([]model.FactorReading, 0, 4)

	f := a.factor(walcl, "Fed Balance Sheet", "WALCL", round(walclT, 2), "T")
	f.Interpretation = fmt.Sprintf("Fed total assets $%.1fT", walclT)
	factors = append(factors, f)

	f = a.factor(tga, "Treasury General Account", "TGA", round(tgaB, 0), "B")
	f.Interpretation = fmt.Sprintf("Treasury cash balance $%.0fB", tgaB)
	factors = append(factors, f)

	f = a.factor(rrp, "Overnight Reverse Repo", "RRP", round(rrpB, 0), "B")
	f.Interpretation = "still a buffer"
	if rrpB < 200 {
		f.Interpretation = "largely depleted"
	}
	factors = append(factors, f)

	netLiq := walclT - tgaB/1000 - rrpB/1000
	net := a.computed("Fed Net Liquidity", "Net Liquidity", round(netLiq, 2), "T",
		walcl.Live && tga.Live && rrp.Live)
	net = scored(net, a.threshold("NET_LIQUIDITY"), "ample", "tight")
	switch net.Signal {
	case model.SignalBullish:
		net.Interpretation = "ample, supportive for risk assets"
	case model.SignalBearish:
		net.Interpretation = "tight, pressure on risk assets"
	default:
		net.Interpretation = "stable"
	}
	factors = append(factors, net)

	summary := fmt.Sprintf("Net liquidity $%.1fT = WALCL($%.1fT) − TGA($%.0fB) − RRP($%.0fB)",
		netLiq, walclT, tgaB, rrpB)
	return factors, summary, nil
}
