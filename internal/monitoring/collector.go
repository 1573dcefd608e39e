package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

// MetricsSnapshot holds a point-in-time view of data health.
type MetricsSnapshot struct {
	// Per fetch method, within the lookback window. Worst first.
	Methods  []model.MethodHealth `json:"methods"`
	Attempts int                  `json:"attempts"`

	// Latest persisted report; zero when none exists.
	HasReport      bool         `json:"has_report"`
	ReportAt       time.Time    `json:"report_at,omitzero"`
	ReportAgeHours float64      `json:"report_age_hours"`
	OverallSignal  model.Signal `json:"overall_signal,omitempty"`
	LiveCount      int          `json:"live_count"`
	FallbackCount  int          `json:"fallback_count"`

	// Hardcoded fallback snapshot.
	FallbackDate       string `json:"fallback_date"`
	FallbackAgeDays    int    `json:"fallback_age_days"`
	FallbackMaxAgeDays int    `json:"fallback_max_age_days"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// TotalPoints is the number of data points in the latest report.
func (s *MetricsSnapshot) TotalPoints() int { return s.LiveCount + s.FallbackCount }

// HealthSource is the slice of the store the collector reads.
type HealthSource interface {
	HealthSummary(ctx context.Context, hours int) ([]model.MethodHealth, error)
	LatestReport(ctx context.Context) (*model.ReportSnapshot, error)
}

// Collector gathers health metrics from the store and the registry.
type Collector struct {
	store HealthSource
	reg   *indicator.Registry
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st HealthSource, reg *indicator.Registry) *Collector {
	return &Collector{store: st, reg: reg, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	methods, err := c.store.HealthSummary(ctx, lookbackHours)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: health summary")
	}
	snap.Methods = methods
	for _, m := range methods {
		snap.Attempts += m.Total
	}

	rep, err := c.store.LatestReport(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest report")
	}
	if rep != nil {
		snap.HasReport = true
		snap.ReportAt = rep.CreatedAt
		snap.ReportAgeHours = now.Sub(rep.CreatedAt).Hours()
		snap.OverallSignal = rep.OverallSignal
		snap.LiveCount = rep.LiveCount
		snap.FallbackCount = rep.FallbackCount
	}

	if c.reg != nil {
		snap.FallbackDate = c.reg.FallbackDate
		snap.FallbackMaxAgeDays = c.reg.FallbackMaxAgeDays
		if d := c.reg.SnapshotDate(); !d.IsZero() {
			snap.FallbackAgeDays = int(now.Sub(d).Hours() / 24)
		}
	}

	return snap, nil
}
