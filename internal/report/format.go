package report

import (
	"fmt"
	"strings"

	"github.com/sells-group/macro-swarm/internal/model"
)

// FormatSummary generates the human-readable run summary.
func FormatSummary(r *model.SwarmReport) string {
	var b strings.Builder

	rule := strings.Repeat("=", 55)
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "  Overall signal: %s %s\n", r.OverallSignal.Icon(), r.OverallSignal)
	fmt.Fprintf(&b, "  Weighted score: %+.3f\n", r.WeightedScore)
	fmt.Fprintf(&b, "  Bull: %d | Neutral: %d | Bear: %d\n",
		len(r.BullFactors), len(r.NeutralFactors), len(r.BearFactors))
	fmt.Fprintf(&b, "  Data: %d live + %d cached\n", r.LiveCount, r.FallbackCount)
	b.WriteString(rule + "\n")

	// Agents.
	b.WriteString("\n  Agents:\n")
	for _, a := range r.AgentResults {
		if a.Failed() {
			fmt.Fprintf(&b, "  - %s [%s]: FAILED (%s)\n", a.AgentName, a.Category.Label(), a.Error)
			continue
		}
		fmt.Fprintf(&b, "  - %s [%s]: %s %.0f%%\n",
			a.AgentName, a.Category.Label(), a.Signal, a.Confidence*100)
		if a.Summary != "" {
			fmt.Fprintf(&b, "      %s\n", a.Summary)
		}
	}

	writeList(&b, "Bull factors", r.BullFactors)
	writeList(&b, "Bear factors", r.BearFactors)

	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n  %s:\n", title)
	if len(items) == 0 {
		b.WriteString("    (none)\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "    • %s\n", it)
	}
}

// FreshnessWarning returns a non-empty message when no data point in the
// report came from a live upstream.
func FreshnessWarning(r *model.SwarmReport) string {
	total := r.Total()
	if total > 0 && r.LiveCount == 0 {
		return fmt.Sprintf("0/%d live data points, every upstream unreachable", total)
	}
	return ""
}
