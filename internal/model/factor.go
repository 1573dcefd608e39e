package model

import (
	"fmt"
	"strconv"
	"time"
)

// DataSource describes where a value came from. URL is empty for computed values.
type DataSource struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	SeriesID  string `json:"series_id,omitempty"`
	Frequency string `json:"frequency"`
}

// ComputedSource is the synthetic source attached to derived indicators.
func ComputedSource() DataSource {
	return DataSource{Name: "Computed", Frequency: "Derived"}
}

// Reading is a single indicator observation as returned by the fetcher.
type Reading struct {
	Key        string      `json:"key"`
	Value      float64     `json:"value"`
	Unit       string      `json:"unit"`
	Live       bool        `json:"is_live"`
	Source     DataSource  `json:"source"`
	Method     FetchMethod `json:"fetch_method"`
	CapturedAt time.Time   `json:"captured_at"`
}

// FactorReading is a reading scored by an agent.
type FactorReading struct {
	Name           string      `json:"name"`
	Key            string      `json:"name_en"`
	Category       Category    `json:"category"`
	Value          float64     `json:"value"`
	Unit           string      `json:"unit"`
	Signal         Signal      `json:"signal"`
	Source         DataSource  `json:"source"`
	BullCondition  string      `json:"bull_condition,omitempty"`
	BearCondition  string      `json:"bear_condition,omitempty"`
	Interpretation string      `json:"interpretation"`
	HistoricalAvg  *float64    `json:"historical_avg,omitempty"`
	Live           bool        `json:"is_live"`
	Method         FetchMethod `json:"fetch_method"`
	FetchedAt      time.Time   `json:"fetched_at"`
}

// Label renders the factor as "name (value+unit)" for report lists.
func (f FactorReading) Label() string {
	return fmt.Sprintf("%s (%s%s)", f.Name, FormatValue(f.Value), f.Unit)
}

// FormatValue prints a float with the shortest exact representation.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// AgentResult is one agent's output for one cycle. A failed agent carries
// only identity and Error.
type AgentResult struct {
	AgentName  string          `json:"agent_name"`
	Category   Category        `json:"category"`
	Factors    []FactorReading `json:"factors"`
	Summary    string          `json:"summary"`
	Signal     Signal          `json:"signal"`
	Confidence float64         `json:"confidence"`
	Formula    string          `json:"formula"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Failed reports whether the agent errored.
func (r AgentResult) Failed() bool {
	return r.Error != ""
}

// FailedResult builds an errored AgentResult.
func FailedResult(name string, cat Category, err error, at time.Time) AgentResult {
	return AgentResult{
		AgentName:  name,
		Category:   cat,
		Signal:     SignalNeutral,
		Confidence: 0.5,
		Error:      err.Error(),
		Timestamp:  at,
	}
}

// SwarmReport is the composite output of one orchestration cycle.
type SwarmReport struct {
	RunID          string        `json:"run_id"`
	AgentResults   []AgentResult `json:"agent_results"`
	OverallSignal  Signal        `json:"overall_signal"`
	WeightedScore  float64       `json:"weighted_score"`
	BullFactors    []string      `json:"bull_factors"`
	NeutralFactors []string      `json:"neutral_factors"`
	BearFactors    []string      `json:"bear_factors"`
	Sources        []DataSource  `json:"sources"`
	LiveCount      int           `json:"live_count"`
	FallbackCount  int           `json:"fallback_count"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Total returns the number of factor readings across surviving agents.
func (r *SwarmReport) Total() int {
	return r.LiveCount + r.FallbackCount
}
