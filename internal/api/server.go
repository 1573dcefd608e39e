// Package api serves reports, factor history and source health over HTTP,
// and lets clients trigger a swarm run or a historical backfill.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/backfill"
	"github.com/sells-group/macro-swarm/internal/model"
	"github.com/sells-group/macro-swarm/internal/scheduler"
)

// Store is the read side of the store the API exposes.
type Store interface {
	LatestReport(ctx context.Context) (*model.ReportSnapshot, error)
	SignalHistory(ctx context.Context, days int) ([]model.SignalPoint, error)
	LatestReadings(ctx context.Context) ([]model.ReadingRecord, error)
	TimeSeries(ctx context.Context, key string, days int) ([]model.SeriesPoint, error)
	HealthSummary(ctx context.Context, hours int) ([]model.MethodHealth, error)
	Stats(ctx context.Context) (model.StoreStats, error)
	Ping(ctx context.Context) error
}

// Updater runs one update cycle.
type Updater interface {
	Trigger(ctx context.Context) (*scheduler.Result, error)
}

// Backfiller loads history.
type Backfiller interface {
	Run(ctx context.Context, days int) (backfill.Result, error)
}

// Deps are the collaborators behind the handlers. Updater, Backfiller and
// Gatherer are optional; their routes answer 503 when unset.
type Deps struct {
	Store      Store
	Updater    Updater
	Backfiller Backfiller
	Gatherer   prometheus.Gatherer
}

// Options tune the HTTP surface.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server wires the handlers.
type Server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	log      *zap.Logger

	// Background jobs outlive the request that started them but stop
	// with the server.
	baseCtx context.Context

	run      *job
	backfill *job
}

// New creates a Server. ctx bounds background jobs.
func New(ctx context.Context, deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{
		deps:     deps,
		opts:     opts,
		validate: validator.New(),
		log:      zap.L().With(zap.String("component", "api")),
		baseCtx:  ctx,
		run:      &job{name: "swarm"},
		backfill: &job{name: "backfill"},
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
			r.Get("/report/latest", s.handleLatestReport)
			r.Get("/report/history", s.handleSignalHistory)
			r.Get("/factors/latest", s.handleLatestFactors)
			r.Get("/factors/{key}/history", s.handleFactorHistory)
			r.Get("/health", s.handleSourceHealth)
			r.Get("/stats", s.handleStats)
		})

		r.Post("/run", s.handleRun)
		r.Get("/run/status", s.handleRunStatus)
		r.Post("/backfill", s.handleBackfill)
		r.Get("/backfill/status", s.handleBackfillStatus)
	})
	return r
}

// requestLogger logs one line per request at Debug, Warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	})
}
