package swarm

import (
	"github.com/sells-group/macro-swarm/internal/model"
)

// Deadband around zero inside which the composite stays NEUTRAL.
const deadband = 0.2

// Synthesize folds agent results into one report. It is a pure function of
// its inputs: RunID and Timestamp are left for the caller to stamp.
//
// Errored agents are skipped. Each directional agent contributes its category
// weight times its confidence; neutral agents are left out of the denominator
// so they do not dilute the directional ones.
func Synthesize(results []model.AgentResult, weights map[model.Category]float64) *model.SwarmReport {
	rep := &model.SwarmReport{
		AgentResults:   results,
		OverallSignal:  model.SignalNeutral,
		BullFactors:    []string{},
		NeutralFactors: []string{},
		BearFactors:    []string{},
		Sources:        []model.DataSource{},
	}

	seen := make(map[model.DataSource]struct{})
	var signed, total float64

	for _, r := range results {
		if r.Failed() {
			continue
		}
		for _, f := range r.Factors {
			if f.Live {
				rep.LiveCount++
			} else {
				rep.FallbackCount++
			}
			if f.Source.URL != "" {
				if _, ok := seen[f.Source]; !ok {
					seen[f.Source] = struct{}{}
					rep.Sources = append(rep.Sources, f.Source)
				}
			}

			label := f.Label()
			switch f.Signal {
			case model.SignalBullish:
				rep.BullFactors = append(rep.BullFactors, label)
			case model.SignalBearish:
				rep.BearFactors = append(rep.BearFactors, label)
			default:
				rep.NeutralFactors = append(rep.NeutralFactors, label)
			}
		}

		w, ok := weights[r.Category]
		if !ok {
			w = 1.0
		}
		w *= r.Confidence
		switch r.Signal {
		case model.SignalBullish:
			signed += w
			total += w
		case model.SignalBearish:
			signed -= w
			total += w
		}
	}

	if total > 0 {
		rep.WeightedScore = signed / total
	}
	switch {
	case rep.WeightedScore > deadband:
		rep.OverallSignal = model.SignalBullish
	case rep.WeightedScore < -deadband:
		rep.OverallSignal = model.SignalBearish
	}
	return rep
}
