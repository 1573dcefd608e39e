// Package agent implements the three indicator analyzers. Each agent pulls its
// indicators through the validated fetcher, scores them against the registry
// thresholds and votes a local signal with a confidence.
package agent

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

// Fetcher resolves an indicator key to a reading.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (model.Reading, error)
}

// Agent analyzes one category of indicators.
type Agent interface {
	Name() string
	Category() model.Category
	// Analyze never returns an error; failures are carried in AgentResult.Error.
	Analyze(ctx context.Context) model.AgentResult
}

// Vote counts bullish against bearish factors. Neutral factors count toward
// the total but toward neither side. A tie is NEUTRAL at a fixed 0.5.
func Vote(factors []model.FactorReading) (model.Signal, float64) {
	var bull, bear int
	for _, f := range factors {
		switch f.Signal {
		case model.SignalBullish:
			bull++
		case model.SignalBearish:
			bear++
		}
	}
	total := len(factors)
	if total == 0 {
		total = 1
	}
	switch {
	case bull > bear:
		return model.SignalBullish, float64(bull) / float64(total)
	case bear > bull:
		return model.SignalBearish, float64(bear) / float64(total)
	default:
		return model.SignalNeutral, 0.5
	}
}

// New builds the standard agent set, failing fast when the registry is
// missing an indicator or threshold any agent depends on.
func New(reg *indicator.Registry, f Fetcher) ([]Agent, error) {
	if err := reg.Require(liquidityKeys...); err != nil {
		return nil, eris.Wrap(err, "liquidity agent")
	}
	if err := reg.Require(valuationKeys...); err != nil {
		return nil, eris.Wrap(err, "valuation agent")
	}
	if err := reg.Require(riskKeys...); err != nil {
		return nil, eris.Wrap(err, "risk sentiment agent")
	}
	if err := reg.RequireThresholds(thresholdNames...); err != nil {
		return nil, err
	}
	return []Agent{
		NewLiquidity(reg, f),
		NewValuation(reg, f),
		NewRiskSentiment(reg, f),
	}, nil
}

var thresholdNames = []string{"NET_LIQUIDITY", "TTM_PE", "FWD_PE", "ERP", "VIX", "HY_OAS", "T10Y2Y", "DXY"}

// base carries what every agent shares.
type base struct {
	name     string
	category model.Category
	formula  string
	reg      *indicator.Registry
	fetcher  Fetcher
	now      func() time.Time
	log      *zap.Logger
}

func newBase(name string, cat model.Category, formula string, reg *indicator.Registry, f Fetcher) base {
	return base{
		name:     name,
		category: cat,
		formula:  formula,
		reg:      reg,
		fetcher:  f,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "agent"), zap.String("agent", name)),
	}
}

func (b *base) Name() string             { return b.name }
func (b *base) Category() model.Category { return b.category }

// analysis is the agent-specific part of Analyze.
type analysis func(ctx context.Context) (factors []model.FactorReading, summary string, err error)

// run executes fn with the agent boundary applied: errors and panics become
// an errored result, successes are voted.
func (b *base) run(ctx context.Context, fn analysis) (res model.AgentResult) {
	b.log.Info("agent started", zap.String("category", string(b.category)))
	start := b.now()

	defer func() {
		if r := recover(); r != nil {
			err := eris.Errorf("panic in %s: %v", b.name, r)
			b.log.Error("agent panicked", zap.Error(err))
			res = model.FailedResult(b.name, b.category, err, b.now().UTC())
		}
	}()

	factors, summary, err := fn(ctx)
	if err != nil {
		b.log.Error("agent failed", zap.Error(err))
		return model.FailedResult(b.name, b.category, err, b.now().UTC())
	}

	signal, confidence := Vote(factors)
	b.log.Info("agent finished",
		zap.String("signal", string(signal)),
		zap.Float64("confidence", confidence),
		zap.Duration("elapsed", b.now().Sub(start)),
	)
	return model.AgentResult{
		AgentName:  b.name,
		Category:   b.category,
		Factors:    factors,
		Summary:    summary,
		Signal:     signal,
		Confidence: confidence,
		Formula:    b.formula,
		Timestamp:  b.now().UTC(),
	}
}

func (b *base) fetch(ctx context.Context, key string) (model.Reading, error) {
	r, err := b.fetcher.Fetch(ctx, key)
	if err != nil {
		return model.Reading{}, eris.Wrapf(err, "fetch %s", key)
	}
	return r, nil
}

func (b *base) threshold(name string) indicator.Threshold {
	// Presence is checked by New.
	th, _ := b.reg.Threshold(name)
	return th
}

// factor builds a FactorReading from a fetched reading.
func (b *base) factor(r model.Reading, name, key string, value float64, unit string) model.FactorReading {
	return model.FactorReading{
		Name:      name,
		Key:       key,
		Category:  b.category,
		Value:     value,
		Unit:      unit,
		Signal:    model.SignalNeutral,
		Source:    r.Source,
		Live:      r.Live,
		Method:    r.Method,
		FetchedAt: r.CapturedAt,
	}
}

// computed builds a FactorReading for a derived indicator.
func (b *base) computed(name, key string, value float64, unit string, live bool) model.FactorReading {
	return model.FactorReading{
		Name:      name,
		Key:       key,
		Category:  b.category,
		Value:     value,
		Unit:      unit,
		Signal:    model.SignalNeutral,
		Source:    model.ComputedSource(),
		Live:      live,
		Method:    model.FetchMethodComputed,
		FetchedAt: b.now().UTC(),
	}
}

// scored applies a threshold to f, filling signal, condition text and the
// historical average.
func scored(f model.FactorReading, th indicator.Threshold, bullNote, bearNote string) model.FactorReading {
	f.Signal = th.Evaluate(f.Value)
	f.BullCondition, f.BearCondition = conditions(th, bullNote, bearNote)
	if th.HistAvg != nil {
		avg := *th.HistAvg
		f.HistoricalAvg = &avg
	}
	return f
}

func conditions(th indicator.Threshold, bullNote, bearNote string) (string, string) {
	bullOp, bearOp := ">", "<"
	if th.Direction == indicator.LowerIsBetter {
		bullOp, bearOp = "<", ">"
	}
	bull := fmt.Sprintf("%s%s%s", bullOp, model.FormatValue(th.Bull), th.Unit)
	bear := fmt.Sprintf("%s%s%s", bearOp, model.FormatValue(th.Bear), th.Unit)
	if bullNote != "" {
		bull += " " + bullNote
	}
	if bearNote != "" {
		bear += " " + bearNote
	}
	return bull, bear
}

// round rounds v to the given number of decimal places.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
