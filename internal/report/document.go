// Package report renders a SwarmReport as the JSON document, the compact
// pipe format and the terminal summary, and writes report files atomically.
package report

import (
	"time"

	"github.com/sells-group/macro-swarm/internal/model"
)

// Document is the serialized form of a SwarmReport, written to report.json
// and stored with each report snapshot.
type Document struct {
	RunID              string             `json:"run_id,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	OverallSignal      model.Signal       `json:"overall_signal"`
	WeightedScore      float64            `json:"weighted_score"`
	BullCount          int                `json:"bull_count"`
	NeutralCount       int                `json:"neutral_count"`
	BearCount          int                `json:"bear_count"`
	BullFactors        []string           `json:"bull_factors"`
	NeutralFactors     []string           `json:"neutral_factors"`
	BearFactors        []string           `json:"bear_factors"`
	LiveDataPoints     int                `json:"live_data_points"`
	FallbackDataPoints int                `json:"fallback_data_points"`
	Sources            []model.DataSource `json:"sources"`
	Agents             []Agent            `json:"agents"`
}

// Agent is one agent's section of the document.
type Agent struct {
	Name       string         `json:"name"`
	Category   model.Category `json:"category"`
	Signal     model.Signal   `json:"signal"`
	Confidence float64        `json:"confidence"`
	Summary    string         `json:"summary"`
	Formula    string         `json:"formula"`
	Error      *string        `json:"error"`
	Factors    []Factor       `json:"factors"`
}

// Factor is one factor reading in the document.
type Factor struct {
	Name           string            `json:"name"`
	NameEn         string            `json:"name_en"`
	Value          float64           `json:"value"`
	Unit           string            `json:"unit"`
	Signal         model.Signal      `json:"signal"`
	SourceName     string            `json:"source_name"`
	SourceURL      string            `json:"source_url"`
	Interpretation string            `json:"interpretation"`
	BullCondition  string            `json:"bull_condition,omitempty"`
	BearCondition  string            `json:"bear_condition,omitempty"`
	HistoricalAvg  *float64          `json:"historical_avg,omitempty"`
	IsLive         bool              `json:"is_live"`
	FetchMethod    model.FetchMethod `json:"fetch_method"`
}

// Build converts a SwarmReport into its document form. Slices are never nil
// so the JSON carries [] rather than null.
func Build(r *model.SwarmReport) Document {
	doc := Document{
		RunID:              r.RunID,
		Timestamp:          r.Timestamp,
		OverallSignal:      r.OverallSignal,
		WeightedScore:      r.WeightedScore,
		BullCount:          len(r.BullFactors),
		NeutralCount:       len(r.NeutralFactors),
		BearCount:          len(r.BearFactors),
		BullFactors:        nonNil(r.BullFactors),
		NeutralFactors:     nonNil(r.NeutralFactors),
		BearFactors:        nonNil(r.BearFactors),
		LiveDataPoints:     r.LiveCount,
		FallbackDataPoints: r.FallbackCount,
		Sources:            r.Sources,
		Agents:             make([]Agent, 0, len(r.AgentResults)),
	}
	if doc.Sources == nil {
		doc.Sources = []model.DataSource{}
	}

	for _, ar := range r.AgentResults {
		a := Agent{
			Name:       ar.AgentName,
			Category:   ar.Category,
			Signal:     ar.Signal,
			Confidence: ar.Confidence,
			Summary:    ar.Summary,
			Formula:    ar.Formula,
			Factors:    make([]Factor, 0, len(ar.Factors)),
		}
		if ar.Error != "" {
			e := ar.Error
			a.Error = &e
		}
		for _, f := range ar.Factors {
			a.Factors = append(a.Factors, Factor{
				Name:           f.Name,
				NameEn:         f.Key,
				Value:          f.Value,
				Unit:           f.Unit,
				Signal:         f.Signal,
				SourceName:     f.Source.Name,
				SourceURL:      f.Source.URL,
				Interpretation: f.Interpretation,
				BullCondition:  f.BullCondition,
				BearCondition:  f.BearCondition,
				HistoricalAvg:  f.HistoricalAvg,
				IsLive:         f.Live,
				FetchMethod:    f.Method,
			})
		}
		doc.Agents = append(doc.Agents, a)
	}
	return doc
}

// Compact is the single-line form printed by `run --json`.
type Compact struct {
	Signal model.Signal `json:"signal"`
	Score  float64      `json:"score"`
	Bull   []string     `json:"bull"`
	Bear   []string     `json:"bear"`
}

// BuildCompact extracts the compact form.
func BuildCompact(r *model.SwarmReport) Compact {
	return Compact{
		Signal: r.OverallSignal,
		Score:  r.WeightedScore,
		Bull:   nonNil(r.BullFactors),
		Bear:   nonNil(r.BearFactors),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
