package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/config"
	"github.com/sells-group/macro-swarm/internal/model"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{MinSuccessRate: 50, MinAttempts: 3}
}

func healthySnapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		Methods: []model.MethodHealth{
			{FetchMethod: model.FetchMethodFREDAPI, Total: 40, Successes: 40, SuccessRate: 100},
			{FetchMethod: model.FetchMethodYahoo, Total: 4, Successes: 3, SuccessRate: 75},
		},
		HasReport:          true,
		ReportAgeHours:     3,
		LiveCount:          12,
		FallbackCount:      0,
		FallbackDate:       "2026-02-12",
		FallbackAgeDays:    3,
		FallbackMaxAgeDays: 14,
		LookbackHours:      24,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Empty(t, a.Evaluate(healthySnapshot()))
}

func TestAlerter_Evaluate_LowSuccessRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.Methods = append(snap.Methods, model.MethodHealth{
		FetchMethod: model.FetchMethodMultpl, Total: 10, Successes: 2, SuccessRate: 20,
	})

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowSuccessRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "multpl success rate 20.0%")
	assert.Equal(t, "multpl", alerts[0].Details["fetch_method"])
}

func TestAlerter_Evaluate_MinimumAttemptsRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.Methods = []model.MethodHealth{
		{FetchMethod: model.FetchMethodFREDCSV, Total: 2, Successes: 0, SuccessRate: 0},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_NoLiveData(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.LiveCount = 0
	snap.FallbackCount = 12
	snap.FallbackAgeDays = 5

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertNoLiveData, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "0/12 live")
}

func TestAlerter_Evaluate_NoReportYet(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{LookbackHours: 24, FallbackAgeDays: 40, FallbackMaxAgeDays: 14}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_StaleFallback(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.LiveCount = 10
	snap.FallbackCount = 2
	snap.FallbackAgeDays = 30

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleFallback, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "30 days old (max 14)")
}

func TestAlerter_Evaluate_OldSnapshotUnusedIsQuiet(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.FallbackAgeDays = 300

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_StaleReport(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.ReportAgeHours = 49

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleReport, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "49h old")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := healthySnapshot()
	snap.Methods = []model.MethodHealth{
		{FetchMethod: model.FetchMethodFREDAPI, Total: 12, Successes: 0, SuccessRate: 0},
		{FetchMethod: model.FetchMethodFREDCSV, Total: 12, Successes: 0, SuccessRate: 0},
	}
	snap.LiveCount = 0
	snap.FallbackCount = 12
	snap.FallbackAgeDays = 20

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 4)

	types := make(map[AlertType]int)
	for _, al := range alerts {
		types[al.Type]++
	}
	assert.Equal(t, 2, types[AlertLowSuccessRate])
	assert.Equal(t, 1, types[AlertNoLiveData])
	assert.Equal(t, 1, types[AlertStaleFallback])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertLowSuccessRate, Severity: "medium", Message: "test alert 1"},
		{Type: AlertNoLiveData, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertNoLiveData, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStaleFallback, Message: "test"}})
	assert.Equal(t, 0, sent)
}
