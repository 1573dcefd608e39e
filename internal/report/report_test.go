package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/model"
)

func sampleReport() *model.SwarmReport {
	avg := 2.5
	return &model.SwarmReport{
		RunID: "run-1",
		AgentResults: []model.AgentResult{
			{
				AgentName:  "ValuationAgent",
				Category:   model.CategoryValuation,
				Signal:     model.SignalBearish,
				Confidence: 0.5,
				Summary:    "PE 29.81x",
				Formula:    "ERP = (1 / Forward PE) − 10Y Yield",
				Factors: []model.FactorReading{
					{Name: "Equity Risk Premium", Key: "ERP", Value: 0.39, Unit: "%", Signal: model.SignalBearish,
						Source: model.ComputedSource(), HistoricalAvg: &avg, Live: true, Method: model.FetchMethodComputed},
				},
			},
			{AgentName: "LiquidityAgent", Category: model.CategoryLiquidity, Signal: model.SignalNeutral, Confidence: 0.5, Error: "fetch WALCL: timeout"},
		},
		OverallSignal: model.SignalBearish,
		WeightedScore: -1,
		BearFactors:   []string{"Equity Risk Premium (0.39%)"},
		LiveCount:     1,
		Timestamp:     time.Date(2026, 2, 12, 13, 30, 0, 0, time.UTC),
	}
}

func TestBuild(t *testing.T) {
	doc := Build(sampleReport())

	assert.Equal(t, "run-1", doc.RunID)
	assert.Equal(t, 1, doc.BearCount)
	assert.Equal(t, 0, doc.BullCount)
	assert.Equal(t, 1, doc.LiveDataPoints)
	require.Len(t, doc.Agents, 2)

	assert.Nil(t, doc.Agents[0].Error)
	require.Len(t, doc.Agents[0].Factors, 1)
	assert.Equal(t, "ERP", doc.Agents[0].Factors[0].NameEn)
	assert.Empty(t, doc.Agents[0].Factors[0].SourceURL)

	require.NotNil(t, doc.Agents[1].Error)
	assert.Equal(t, "fetch WALCL: timeout", *doc.Agents[1].Error)
	assert.NotNil(t, doc.Agents[1].Factors)
}

func TestBuild_JSONShape(t *testing.T) {
	data, err := json.Marshal(Build(sampleReport()))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "BEARISH", m["overall_signal"])
	assert.Equal(t, []any{}, m["bull_factors"], "empty lists serialize as []")
	assert.Equal(t, []any{}, m["sources"])
	assert.Equal(t, "2026-02-12T13:30:00Z", m["timestamp"])

	agents := m["agents"].([]any)
	assert.Nil(t, agents[0].(map[string]any)["error"])
}

func TestBuildCompact(t *testing.T) {
	data, err := json.Marshal(BuildCompact(sampleReport()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"signal":"BEARISH","score":-1,"bull":[],"bear":["Equity Risk Premium (0.39%)"]}`, string(data))
}

func TestFormatSummary(t *testing.T) {
	s := FormatSummary(sampleReport())
	assert.Contains(t, s, "Overall signal: ▼ BEARISH")
	assert.Contains(t, s, "Weighted score: -1.000")
	assert.Contains(t, s, "Bull: 0 | Neutral: 0 | Bear: 1")
	assert.Contains(t, s, "ValuationAgent [Valuation]: BEARISH 50%")
	assert.Contains(t, s, "LiquidityAgent [Liquidity]: FAILED (fetch WALCL: timeout)")
	assert.Contains(t, s, "• Equity Risk Premium (0.39%)")
	assert.Contains(t, s, "(none)")
}

func TestFreshnessWarning(t *testing.T) {
	r := sampleReport()
	assert.Empty(t, FreshnessWarning(r))

	r.LiveCount, r.FallbackCount = 0, 12
	assert.Equal(t, "0/12 live data points, every upstream unreachable", FreshnessWarning(r))

	r.FallbackCount = 0
	assert.Empty(t, FreshnessWarning(r))
}

func TestWriter_Write(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	w.now = func() time.Time { return time.Date(2026, 2, 12, 8, 30, 0, 0, time.UTC) }

	p, err := w.Write(Build(sampleReport()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.json"), p.Report)
	assert.Equal(t, filepath.Join(dir, "archive", "report_20260212.json"), p.Archive)

	current, err := os.ReadFile(p.Report)
	require.NoError(t, err)
	archived, err := os.ReadFile(p.Archive)
	require.NoError(t, err)
	assert.Equal(t, current, archived)

	var doc Document
	require.NoError(t, json.Unmarshal(current, &doc))
	assert.Equal(t, model.SignalBearish, doc.OverallSignal)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestAtomicWrite_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, AtomicWrite(path, []byte("old")))
	require.NoError(t, AtomicWrite(path, []byte("new")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestAtomicWrite_MissingDir(t *testing.T) {
	err := AtomicWrite(filepath.Join(t.TempDir(), "nope", "report.json"), []byte("x"))
	assert.Error(t, err)
}
