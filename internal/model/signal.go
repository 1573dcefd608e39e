package model

// Signal is the directional read for an indicator, an agent, or a whole report.
type Signal string

const (
	SignalBullish Signal = "BULLISH"
	SignalBearish Signal = "BEARISH"
	SignalNeutral Signal = "NEUTRAL"
)

// Valid reports whether s is one of the three known signals.
func (s Signal) Valid() bool {
	switch s {
	case SignalBullish, SignalBearish, SignalNeutral:
		return true
	default:
		return false
	}
}

// Icon returns the arrow glyph used in terminal summaries.
func (s Signal) Icon() string {
	switch s {
	case SignalBullish:
		return "▲"
	case SignalBearish:
		return "▼"
	default:
		return "●"
	}
}

// Category groups indicators under the agent that owns them.
type Category string

const (
	CategoryLiquidity     Category = "LIQUIDITY"
	CategoryValuation     Category = "VALUATION"
	CategoryRiskSentiment Category = "RISK_SENTIMENT"
)

// Label returns a human-readable category name.
func (c Category) Label() string {
	switch c {
	case CategoryLiquidity:
		return "Liquidity"
	case CategoryValuation:
		return "Valuation"
	case CategoryRiskSentiment:
		return "Risk/Sentiment"
	default:
		return string(c)
	}
}

// FetchMethod identifies the tier that produced a reading.
type FetchMethod string

const (
	FetchMethodFREDAPI    FetchMethod = "fred_api"
	FetchMethodFREDCSV    FetchMethod = "fred_csv"
	FetchMethodYahoo      FetchMethod = "yahoo"
	FetchMethodMultpl     FetchMethod = "multpl"
	FetchMethodCache      FetchMethod = "cache"
	FetchMethodStaleCache FetchMethod = "stale_cache"
	FetchMethodFallback   FetchMethod = "fallback"
	FetchMethodComputed   FetchMethod = "computed"
	FetchMethodBackfill   FetchMethod = "historical_backfill"
)
