package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertLowSuccessRate AlertType = "low_success_rate"
	AlertNoLiveData     AlertType = "no_live_data"
	AlertStaleFallback  AlertType = "stale_fallback"
	AlertStaleReport    AlertType = "stale_report"
)

// maxReportAgeHours allows a daily job plus retries before a report counts as missing.
const maxReportAgeHours = 26

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Per-method success rate. Methods with too few attempts are noise.
	minAttempts := max(a.cfg.MinAttempts, 1)
	for _, m := range snap.Methods {
		if m.Total < minAttempts || m.SuccessRate >= a.cfg.MinSuccessRate {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertLowSuccessRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%s success rate %.1f%% below threshold %.1f%% (%d/%d in last %dh)",
				m.FetchMethod, m.SuccessRate, a.cfg.MinSuccessRate,
				m.Successes, m.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"fetch_method":   string(m.FetchMethod),
				"success_rate":   m.SuccessRate,
				"threshold":      a.cfg.MinSuccessRate,
				"attempts":       m.Total,
				"avg_latency_ms": m.AvgLatencyMs,
			},
			Timestamp: now,
		})
	}

	// Every data point in the latest report came from cache or fallback.
	if snap.HasReport && snap.TotalPoints() > 0 && snap.LiveCount == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoLiveData,
			Severity: "high",
			Message: fmt.Sprintf(
				"latest report has 0/%d live data points",
				snap.TotalPoints(),
			),
			Details: map[string]any{
				"fallback_count": snap.FallbackCount,
				"report_at":      snap.ReportAt,
			},
			Timestamp: now,
		})
	}

	if snap.HasReport && snap.ReportAgeHours > maxReportAgeHours {
		alerts = append(alerts, Alert{
			Type:     AlertStaleReport,
			Severity: "medium",
			Message:  fmt.Sprintf("latest report is %.0fh old", snap.ReportAgeHours),
			Details: map[string]any{
				"report_at": snap.ReportAt,
			},
			Timestamp: now,
		})
	}

	// An old snapshot only matters once fallback values are actually served.
	if snap.FallbackCount > 0 && snap.FallbackMaxAgeDays > 0 && snap.FallbackAgeDays > snap.FallbackMaxAgeDays {
		alerts = append(alerts, Alert{
			Type:     AlertStaleFallback,
			Severity: "medium",
			Message: fmt.Sprintf(
				"fallback snapshot from %s is %d days old (max %d) and served %d data point(s)",
				snap.FallbackDate, snap.FallbackAgeDays, snap.FallbackMaxAgeDays, snap.FallbackCount,
			),
			Details: map[string]any{
				"fallback_date":  snap.FallbackDate,
				"age_days":       snap.FallbackAgeDays,
				"max_age_days":   snap.FallbackMaxAgeDays,
				"fallback_count": snap.FallbackCount,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
