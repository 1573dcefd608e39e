package model

import (
	"encoding/json"
	"time"
)

// ReadingRecord is one row of the persisted factor time series.
type ReadingRecord struct {
	ID          int64       `json:"id"`
	FactorKey   string      `json:"factor_key"`
	Value       float64     `json:"value"`
	Unit        string      `json:"unit"`
	Signal      Signal      `json:"signal"`
	Live        bool        `json:"is_live"`
	SourceName  string      `json:"source_name"`
	SourceURL   string      `json:"source_url"`
	FetchMethod FetchMethod `json:"fetch_method"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// RecordFromFactor converts a scored factor into a persistable row.
func RecordFromFactor(f FactorReading) ReadingRecord {
	method := f.Method
	if method == "" {
		method = FetchMethodFallback
		if f.Live {
			method = FetchMethodComputed
		}
	}
	at := f.FetchedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return ReadingRecord{
		FactorKey:   f.Key,
		Value:       f.Value,
		Unit:        f.Unit,
		Signal:      f.Signal,
		Live:        f.Live,
		SourceName:  f.Source.Name,
		SourceURL:   f.Source.URL,
		FetchMethod: method,
		FetchedAt:   at,
	}
}

// SeriesPoint is a compact time-series sample.
type SeriesPoint struct {
	Value       float64     `json:"value"`
	FetchedAt   time.Time   `json:"fetched_at"`
	Live        bool        `json:"is_live"`
	FetchMethod FetchMethod `json:"fetch_method"`
}

// ReportSnapshot is a persisted SwarmReport with denormalized counters.
type ReportSnapshot struct {
	ID            int64           `json:"id"`
	RunID         string          `json:"run_id"`
	OverallSignal Signal          `json:"overall_signal"`
	WeightedScore float64         `json:"weighted_score"`
	BullCount     int             `json:"bull_count"`
	NeutralCount  int             `json:"neutral_count"`
	BearCount     int             `json:"bear_count"`
	LiveCount     int             `json:"live_count"`
	FallbackCount int             `json:"fallback_count"`
	ReportJSON    json.RawMessage `json:"report_json"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SignalPoint is one entry of the signal history.
type SignalPoint struct {
	OverallSignal Signal    `json:"overall_signal"`
	WeightedScore float64   `json:"weighted_score"`
	LiveCount     int       `json:"live_count"`
	FallbackCount int       `json:"fallback_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// CacheEntry is the persisted last-known value for an indicator.
type CacheEntry struct {
	FactorKey   string      `json:"factor_key"`
	Value       float64     `json:"value"`
	Source      string      `json:"source"`
	FetchMethod FetchMethod `json:"fetch_method"`
	FetchedAt   time.Time   `json:"fetched_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// FetchAttempt is one health-tracking record for a single tier attempt.
type FetchAttempt struct {
	FactorKey   string        `json:"factor_key"`
	FetchMethod FetchMethod   `json:"fetch_method"`
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error_message,omitempty"`
	AttemptedAt time.Time     `json:"attempted_at"`
}

// MethodHealth summarizes attempts for one fetch method over a window.
type MethodHealth struct {
	FetchMethod  FetchMethod `json:"fetch_method"`
	Total        int         `json:"total"`
	Successes    int         `json:"successes"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
	SuccessRate  float64     `json:"success_rate"`
}

// StoreStats holds row counts per table.
type StoreStats struct {
	FactorReadings  int `json:"factor_readings"`
	ReportSnapshots int `json:"report_snapshots"`
	SourceHealth    int `json:"source_health"`
	CacheMetadata   int `json:"cache_metadata"`
}
