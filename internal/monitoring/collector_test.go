package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// mockStore implements HealthSource for testing.
type mockStore struct {
	methods   []model.MethodHealth
	report    *model.ReportSnapshot
	healthErr error
	reportErr error
	hours     int
}

func (m *mockStore) HealthSummary(_ context.Context, hours int) ([]model.MethodHealth, error) {
	m.hours = hours
	return m.methods, m.healthErr
}

func (m *mockStore) LatestReport(context.Context) (*model.ReportSnapshot, error) {
	return m.report, m.reportErr
}

func newTestCollector(st HealthSource) *Collector {
	c := NewCollector(st, indicator.MustDefault())
	c.now = func() time.Time { return testNow }
	return c
}

func TestCollector_EmptyStore(t *testing.T) {
	st := &mockStore{}
	snap, err := newTestCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 24, st.hours)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, testNow, snap.CollectedAt)
	assert.False(t, snap.HasReport)
	assert.Zero(t, snap.Attempts)
	assert.Zero(t, snap.TotalPoints())
}

func TestCollector_MethodHealth(t *testing.T) {
	st := &mockStore{methods: []model.MethodHealth{
		{FetchMethod: model.FetchMethodYahoo, Total: 4, Successes: 2, SuccessRate: 50},
		{FetchMethod: model.FetchMethodFREDAPI, Total: 20, Successes: 20, SuccessRate: 100},
	}}

	snap, err := newTestCollector(st).Collect(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 24, snap.Attempts)
	require.Len(t, snap.Methods, 2)
	assert.Equal(t, model.FetchMethodYahoo, snap.Methods[0].FetchMethod)
}

func TestCollector_LatestReport(t *testing.T) {
	st := &mockStore{report: &model.ReportSnapshot{
		OverallSignal: model.SignalBullish,
		LiveCount:     10,
		FallbackCount: 2,
		CreatedAt:     testNow.Add(-6 * time.Hour),
	}}

	snap, err := newTestCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.True(t, snap.HasReport)
	assert.Equal(t, model.SignalBullish, snap.OverallSignal)
	assert.Equal(t, 10, snap.LiveCount)
	assert.Equal(t, 2, snap.FallbackCount)
	assert.Equal(t, 12, snap.TotalPoints())
	assert.InDelta(t, 6.0, snap.ReportAgeHours, 1e-9)
}

func TestCollector_FallbackAge(t *testing.T) {
	reg := indicator.MustDefault()
	snap, err := newTestCollector(&mockStore{}).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, reg.FallbackDate, snap.FallbackDate)
	assert.Equal(t, reg.FallbackMaxAgeDays, snap.FallbackMaxAgeDays)
	want := int(testNow.Sub(reg.SnapshotDate()).Hours() / 24)
	assert.Equal(t, want, snap.FallbackAgeDays)
}

func TestCollector_Errors(t *testing.T) {
	_, err := newTestCollector(&mockStore{healthErr: errors.New("db down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "health summary")

	_, err = newTestCollector(&mockStore{reportErr: errors.New("db down")}).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "latest report")
}
