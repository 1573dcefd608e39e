package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/macro-swarm/internal/backfill"
	"github.com/sells-group/macro-swarm/internal/model"
	"github.com/sells-group/macro-swarm/internal/report"
	"github.com/sells-group/macro-swarm/internal/scheduler"
)

const (
	defaultHistoryDays  = 30
	defaultHealthHours  = 24
	defaultBackfillDays = backfill.DefaultDays
)

type daysQuery struct {
	Days int `validate:"gte=1,lte=365"`
}

type hoursQuery struct {
	Hours int `validate:"gte=1,lte=168"`
}

type backfillQuery struct {
	Days int `validate:"gte=7,lte=365"`
}

// SignalHistoryResponse is the body of GET /api/report/history.
type SignalHistoryResponse struct {
	Days    int                 `json:"days"`
	History []model.SignalPoint `json:"history"`
}

// FactorsLatestResponse is the body of GET /api/factors/latest.
type FactorsLatestResponse struct {
	Factors map[string]model.ReadingRecord `json:"factors"`
}

// FactorHistoryResponse is the body of GET /api/factors/{key}/history.
type FactorHistoryResponse struct {
	FactorKey string              `json:"factor_key"`
	Days      int                 `json:"days"`
	Series    []model.SeriesPoint `json:"series"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Hours   int                  `json:"hours"`
	Sources []model.MethodHealth `json:"sources"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// emptyReport is served before the first cycle has completed.
func emptyReport() report.Document {
	return report.Document{
		OverallSignal:  model.SignalNeutral,
		BullFactors:    []string{},
		NeutralFactors: []string{},
		BearFactors:    []string{},
		Sources:        []model.DataSource{},
		Agents:         []report.Agent{},
	}
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LatestReport(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "latest report", err)
		return
	}
	if snap == nil || len(snap.ReportJSON) == 0 {
		writeJSON(w, http.StatusOK, emptyReport())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.ReportJSON)
}

func (s *Server) handleSignalHistory(w http.ResponseWriter, r *http.Request) {
	days, ve := intQuery(r, "days", defaultHistoryDays)
	if ve != nil {
		rejectQuery(w, ve)
		return
	}
	if !s.check(w, daysQuery{Days: days}) {
		return
	}

	history, err := s.deps.Store.SignalHistory(r.Context(), days)
	if err != nil {
		s.writeStoreError(w, r, "signal history", err)
		return
	}
	if history == nil {
		history = []model.SignalPoint{}
	}
	writeJSON(w, http.StatusOK, SignalHistoryResponse{Days: days, History: history})
}

func (s *Server) handleLatestFactors(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.LatestReadings(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "latest readings", err)
		return
	}
	factors := make(map[string]model.ReadingRecord, len(rows))
	for _, row := range rows {
		factors[row.FactorKey] = row
	}
	writeJSON(w, http.StatusOK, FactorsLatestResponse{Factors: factors})
}

func (s *Server) handleFactorHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	days, ve := intQuery(r, "days", defaultHistoryDays)
	if ve != nil {
		rejectQuery(w, ve)
		return
	}
	if !s.check(w, daysQuery{Days: days}) {
		return
	}

	series, err := s.deps.Store.TimeSeries(r.Context(), key, days)
	if err != nil {
		s.writeStoreError(w, r, "time series", err)
		return
	}
	if series == nil {
		series = []model.SeriesPoint{}
	}
	writeJSON(w, http.StatusOK, FactorHistoryResponse{FactorKey: key, Days: days, Series: series})
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, r *http.Request) {
	hours, ve := intQuery(r, "hours", defaultHealthHours)
	if ve != nil {
		rejectQuery(w, ve)
		return
	}
	if !s.check(w, hoursQuery{Hours: hours}) {
		return
	}

	sources, err := s.deps.Store.HealthSummary(r.Context(), hours)
	if err != nil {
		s.writeStoreError(w, r, "health summary", err)
		return
	}
	if sources == nil {
		sources = []model.MethodHealth{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Hours: hours, Sources: sources})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRun(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Updater == nil {
		writeError(w, http.StatusServiceUnavailable, "swarm runs are not enabled")
		return
	}

	started := s.run.start(s.baseCtx, func(ctx context.Context) (any, error) {
		res, err := s.deps.Updater.Trigger(ctx)
		if errors.Is(err, scheduler.ErrBusy) {
			return nil, eris.Wrap(err, "skipped")
		}
		if err != nil {
			return nil, err
		}
		return runSummary(res), nil
	})
	if !started {
		writeJSON(w, http.StatusOK, JobStatus{Status: StatusAlreadyRunning, Message: "swarm is already running, try again later"})
		return
	}
	writeJSON(w, http.StatusAccepted, JobStatus{Status: StatusStarted, Message: "swarm started in the background"})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.run.status())
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfiller == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill is not enabled")
		return
	}
	days, ve := intQuery(r, "days", defaultBackfillDays)
	if ve != nil {
		rejectQuery(w, ve)
		return
	}
	if !s.check(w, backfillQuery{Days: days}) {
		return
	}

	started := s.backfill.start(s.baseCtx, func(ctx context.Context) (any, error) {
		res, err := s.deps.Backfiller.Run(ctx, days)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if !started {
		writeJSON(w, http.StatusOK, JobStatus{Status: StatusAlreadyRunning, Message: "backfill is already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, JobStatus{
		Status:  StatusStarted,
		Message: fmt.Sprintf("historical backfill started (%d days)", days),
	})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backfill.status())
}

// RunSummary is the result recorded for a finished swarm run.
type RunSummary struct {
	RunID         string       `json:"run_id"`
	OverallSignal model.Signal `json:"overall_signal"`
	WeightedScore float64      `json:"weighted_score"`
	LiveCount     int          `json:"live_count"`
	FallbackCount int          `json:"fallback_count"`
	ReportPath    string       `json:"report_path"`
}

func runSummary(res *scheduler.Result) RunSummary {
	return RunSummary{
		RunID:         res.Report.RunID,
		OverallSignal: res.Report.OverallSignal,
		WeightedScore: res.Report.WeightedScore,
		LiveCount:     res.Report.LiveCount,
		FallbackCount: res.Report.FallbackCount,
		ReportPath:    res.Paths.Report,
	}
}
