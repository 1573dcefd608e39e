package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/model"
)

var testNow = time.Date(2026, 2, 12, 14, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	st.now = func() time.Time { return testNow }
	return st
}

func reading(key string, v float64, at time.Time, method model.FetchMethod) model.ReadingRecord {
	return model.ReadingRecord{
		FactorKey:   key,
		Value:       v,
		Unit:        "",
		Signal:      model.SignalNeutral,
		Live:        method != model.FetchMethodFallback,
		SourceName:  "FRED",
		SourceURL:   "https://fred.stlouisfed.org/series/VIXCLS",
		FetchMethod: method,
		FetchedAt:   at,
	}
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Readings ---

func TestSQLite_SaveAndLatestReading(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17.1, testNow.Add(-2*time.Hour), model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17.79, testNow.Add(-time.Hour), model.FetchMethodFREDCSV)))
	require.NoError(t, st.SaveReading(ctx, reading("DXY", 97.0, testNow, model.FetchMethodYahoo)))

	r, err := st.LatestReading(ctx, "VIX")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 17.79, r.Value)
	assert.Equal(t, model.FetchMethodFREDCSV, r.FetchMethod)
	assert.True(t, r.Live)
	assert.Equal(t, testNow.Add(-time.Hour), r.FetchedAt)
	assert.NotZero(t, r.ID)
}

func TestSQLite_LatestReading_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	r, err := st.LatestReading(context.Background(), "VIX")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSQLite_LatestReadings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17.1, testNow.Add(-2*time.Hour), model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17.79, testNow.Add(-time.Hour), model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("DXY", 97.0, testNow, model.FetchMethodYahoo)))

	latest, err := st.LatestReadings(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "DXY", latest[0].FactorKey)
	assert.Equal(t, "VIX", latest[1].FactorKey)
	assert.Equal(t, 17.79, latest[1].Value)
}

func TestSQLite_TimeSeries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveReading(ctx, reading("VIX", 30, testNow.AddDate(0, 0, -40), model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 18, testNow.AddDate(0, 0, -2), model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17, testNow.AddDate(0, 0, -1), model.FetchMethodFallback)))

	points, err := st.TimeSeries(ctx, "VIX", 30)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 18.0, points[0].Value)
	assert.Equal(t, 17.0, points[1].Value)
	assert.False(t, points[1].Live)
	assert.Equal(t, model.FetchMethodFallback, points[1].FetchMethod)

	empty, err := st.TimeSeries(ctx, "DXY", 30)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSQLite_SaveReadings_Batch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := []model.ReadingRecord{
		reading("VIX", 18, time.Date(2026, 2, 10, 16, 0, 0, 0, time.UTC), model.FetchMethodBackfill),
		reading("VIX", 19, time.Date(2026, 2, 11, 16, 0, 0, 0, time.UTC), model.FetchMethodBackfill),
	}
	n, err := st.SaveReadings(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := st.CountReadings(ctx, "VIX")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	dates, err := st.ReadingDates(ctx, "VIX")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"2026-02-10": true, "2026-02-11": true}, dates)

	n, err = st.SaveReadings(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_ReadingsSince(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 2, d, 16, 0, 0, 0, time.UTC) }
	for i, v := range []float64{6.6, 6.5, 6.4} {
		require.NoError(t, st.SaveReading(ctx, reading("WALCL", v, day(9+i), model.FetchMethodBackfill)))
	}

	got, err := st.ReadingsSince(ctx, "WALCL", day(10))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 6.5, got[0].Value)
	assert.Equal(t, 6.4, got[1].Value)
}

// --- Reports ---

func TestSQLite_Reports(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	latest, err := st.LatestReport(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	older := model.ReportSnapshot{
		RunID: "run-1", OverallSignal: model.SignalBearish, WeightedScore: -0.4,
		BullCount: 1, NeutralCount: 5, BearCount: 6, LiveCount: 10, FallbackCount: 2,
		ReportJSON: json.RawMessage(`{"overall_signal":"BEARISH"}`),
		CreatedAt:  testNow.AddDate(0, 0, -3),
	}
	newer := older
	newer.RunID = "run-2"
	newer.OverallSignal = model.SignalNeutral
	newer.WeightedScore = 0.1
	newer.ReportJSON = json.RawMessage(`{"overall_signal":"NEUTRAL"}`)
	newer.CreatedAt = testNow.Add(-time.Hour)
	ancient := older
	ancient.CreatedAt = testNow.AddDate(0, 0, -60)

	for _, s := range []model.ReportSnapshot{ancient, older, newer} {
		require.NoError(t, st.SaveReport(ctx, s))
	}

	latest, err = st.LatestReport(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, model.SignalNeutral, latest.OverallSignal)
	assert.JSONEq(t, `{"overall_signal":"NEUTRAL"}`, string(latest.ReportJSON))
	assert.Equal(t, newer.CreatedAt, latest.CreatedAt)

	history, err := st.SignalHistory(ctx, 30)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.SignalBearish, history[0].OverallSignal)
	assert.Equal(t, 10, history[0].LiveCount)
	assert.Equal(t, model.SignalNeutral, history[1].OverallSignal)
}

// --- Cache ---

func TestSQLite_Cache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, ok, err := st.GetStaleCache(ctx, "VIX")
	require.NoError(t, err)
	assert.False(t, ok)

	e := model.CacheEntry{
		FactorKey: "VIX", Value: 17.79, Source: "FRED", FetchMethod: model.FetchMethodFREDAPI,
		FetchedAt: testNow.Add(-10 * time.Minute), ExpiresAt: testNow.Add(20 * time.Minute),
	}
	require.NoError(t, st.SetCachedValue(ctx, e))

	got, ok, err := st.GetCachedValue(ctx, "VIX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e, got)

	// Upsert replaces the single row per key.
	e.Value = 18.2
	e.ExpiresAt = testNow.Add(-time.Minute)
	require.NoError(t, st.SetCachedValue(ctx, e))

	_, ok, err = st.GetCachedValue(ctx, "VIX")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are not fresh")

	stale, ok, err := st.GetStaleCache(ctx, "VIX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 18.2, stale.Value)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CacheMetadata)
}

// --- Health ---

func TestSQLite_HealthSummary(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	attempts := []model.FetchAttempt{
		{FactorKey: "VIX", FetchMethod: model.FetchMethodFREDAPI, Success: true, Latency: 100 * time.Millisecond, AttemptedAt: testNow.Add(-time.Hour)},
		{FactorKey: "DXY", FetchMethod: model.FetchMethodFREDAPI, Success: true, Latency: 300 * time.Millisecond, AttemptedAt: testNow.Add(-time.Hour)},
		{FactorKey: "DXY", FetchMethod: model.FetchMethodYahoo, Success: false, Latency: 50 * time.Millisecond, Error: "401", AttemptedAt: testNow.Add(-time.Hour)},
		{FactorKey: "DXY", FetchMethod: model.FetchMethodYahoo, Success: true, Latency: 150 * time.Millisecond, AttemptedAt: testNow.Add(-2 * time.Hour)},
		{FactorKey: "DXY", FetchMethod: model.FetchMethodYahoo, Success: true, Latency: 150 * time.Millisecond, AttemptedAt: testNow.Add(-48 * time.Hour)},
	}
	for _, a := range attempts {
		require.NoError(t, st.RecordFetchAttempt(ctx, a))
	}

	summary, err := st.HealthSummary(ctx, 24)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	// Worst success rate first.
	assert.Equal(t, model.FetchMethodYahoo, summary[0].FetchMethod)
	assert.Equal(t, 2, summary[0].Total)
	assert.Equal(t, 1, summary[0].Successes)
	assert.Equal(t, 50.0, summary[0].SuccessRate)
	assert.Equal(t, 100.0, summary[0].AvgLatencyMs)

	assert.Equal(t, model.FetchMethodFREDAPI, summary[1].FetchMethod)
	assert.Equal(t, 100.0, summary[1].SuccessRate)
	assert.Equal(t, 200.0, summary[1].AvgLatencyMs)
}

// --- Maintenance ---

func TestSQLite_VacuumAndStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := testNow.AddDate(0, 0, -400)
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 20, old, model.FetchMethodFREDAPI)))
	require.NoError(t, st.SaveReading(ctx, reading("VIX", 17, testNow, model.FetchMethodFREDAPI)))
	require.NoError(t, st.RecordFetchAttempt(ctx, model.FetchAttempt{FactorKey: "VIX", FetchMethod: model.FetchMethodFREDAPI, Success: true, AttemptedAt: old}))
	require.NoError(t, st.SaveReport(ctx, model.ReportSnapshot{OverallSignal: model.SignalNeutral, ReportJSON: json.RawMessage(`{}`), CreatedAt: old}))
	require.NoError(t, st.SaveReport(ctx, model.ReportSnapshot{OverallSignal: model.SignalNeutral, ReportJSON: json.RawMessage(`{}`), CreatedAt: testNow}))

	res, err := st.Vacuum(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, VacuumResult{Readings: 1, Health: 1, Snapshots: 1}, res)
	assert.Equal(t, int64(3), res.Total())

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StoreStats{FactorReadings: 1, ReportSnapshots: 1}, stats)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "open.db"), nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Close())

	_, err = Open(ctx, "mysql", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}
