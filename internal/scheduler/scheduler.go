// Package scheduler runs the daily update: one swarm cycle, report files
// on disk, retried with exponential backoff when the cycle cannot finish.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/config"
	"github.com/sells-group/macro-swarm/internal/model"
	"github.com/sells-group/macro-swarm/internal/report"
	"github.com/sells-group/macro-swarm/internal/resilience"
)

var (
	// ErrAllAgentsFailed means a cycle produced no factor readings at all.
	ErrAllAgentsFailed = eris.New("scheduler: every agent failed")
	// ErrBusy is returned when an update is already in progress.
	ErrBusy = eris.New("scheduler: update already running")
)

// Runner executes one swarm cycle.
type Runner interface {
	Run(ctx context.Context) *model.SwarmReport
}

// Writer persists a report document.
type Writer interface {
	Write(doc report.Document) (report.Paths, error)
}

// Config controls when updates run and how failures are retried.
type Config struct {
	Hour       int
	Minute     int
	Location   *time.Location
	RetryCount int
	RetryDelay time.Duration
}

// FromConfig converts the schedule section, resolving the timezone.
func FromConfig(cfg config.ScheduleConfig) (Config, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Config{}, eris.Wrapf(err, "scheduler: load timezone %q", cfg.Timezone)
	}
	return Config{
		Hour:       cfg.Hour,
		Minute:     cfg.Minute,
		Location:   loc,
		RetryCount: cfg.RetryCount,
		RetryDelay: time.Duration(cfg.RetryDelaySecs) * time.Second,
	}, nil
}

// Spec is the six-field cron expression for the daily run.
func (c Config) Spec() string {
	return fmt.Sprintf("0 %d %d * * *", c.Minute, c.Hour)
}

// Result describes one completed update.
type Result struct {
	Report *model.SwarmReport
	Paths  report.Paths
}

// Scheduler owns the daily update job.
type Scheduler struct {
	runner Runner
	writer Writer
	cfg    Config
	log    *zap.Logger

	// Updates never overlap; a cron tick during a slow retry is skipped.
	mu sync.Mutex

	lastMu sync.Mutex
	last   *Result
}

// New creates a Scheduler.
func New(runner Runner, w Writer, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	return &Scheduler{
		runner: runner,
		writer: w,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Update runs one cycle and writes its report files.
func (s *Scheduler) Update(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.log.Info("update started")

	rep := s.runner.Run(ctx)
	if rep == nil || allFailed(rep) {
		return nil, ErrAllAgentsFailed
	}

	paths, err := s.writer.Write(report.Build(rep))
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: write report")
	}

	log := s.log.With(zap.String("run_id", rep.RunID))
	if msg := report.FreshnessWarning(rep); msg != "" {
		log.Warn("data freshness", zap.String("detail", msg))
	} else if rep.FallbackCount > 0 {
		log.Info("data status",
			zap.Int("live", rep.LiveCount),
			zap.Int("total", rep.Total()),
			zap.Int("fallback", rep.FallbackCount),
		)
	}
	log.Info("update complete",
		zap.String("signal", string(rep.OverallSignal)),
		zap.String("report", paths.Report),
		zap.String("archive", paths.Archive),
		zap.Duration("elapsed", time.Since(start)),
	)

	res := &Result{Report: rep, Paths: paths}
	s.lastMu.Lock()
	s.last = res
	s.lastMu.Unlock()
	return res, nil
}

// Trigger runs a single Update unless one is already in progress.
func (s *Scheduler) Trigger(ctx context.Context) (*Result, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()
	return s.Update(ctx)
}

// UpdateWithRetry runs Update up to RetryCount times, sleeping
// RetryDelay·2^n between attempts. A concurrent call returns ErrBusy.
func (s *Scheduler) UpdateWithRetry(ctx context.Context) (*Result, error) {
	if !s.mu.TryLock() {
		s.log.Warn("update already in progress, skipping")
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	retry := resilience.RetryConfig{
		MaxAttempts:    s.cfg.RetryCount,
		InitialBackoff: s.cfg.RetryDelay,
		MaxBackoff:     s.cfg.RetryDelay << min(s.cfg.RetryCount, 16),
		Multiplier:     2,
		ShouldRetry:    func(error) bool { return true },
		OnRetry: func(attempt int, err error) {
			s.log.Warn("update failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("of", s.cfg.RetryCount),
				zap.Error(err),
			)
		},
	}
	res, err := resilience.DoVal(ctx, retry, s.Update)
	if err != nil {
		s.log.Error("update failed", zap.Int("attempts", s.cfg.RetryCount), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Last returns the most recent successful update, or nil.
func (s *Scheduler) Last() *Result {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// Next returns the next scheduled run after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	sched, err := cron.Parse(s.cfg.Spec())
	if err != nil {
		return time.Time{}, eris.Wrap(err, "scheduler: parse spec")
	}
	return sched.Next(t.In(s.cfg.Location)), nil
}

// Run performs an update immediately, then daily at the configured time
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.NewWithLocation(s.cfg.Location)
	if err := c.AddFunc(s.cfg.Spec(), func() {
		_, _ = s.UpdateWithRetry(ctx)
		s.logNext()
	}); err != nil {
		return eris.Wrapf(err, "scheduler: add job %q", s.cfg.Spec())
	}

	s.log.Info("scheduler started",
		zap.String("spec", s.cfg.Spec()),
		zap.String("timezone", s.cfg.Location.String()),
	)

	// Startup run. Failures are logged; the daily job still gets scheduled.
	_, _ = s.UpdateWithRetry(ctx)

	c.Start()
	s.logNext()
	<-ctx.Done()
	c.Stop()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) logNext() {
	now := time.Now()
	next, err := s.Next(now)
	if err != nil {
		return
	}
	s.log.Info("next update",
		zap.Time("at", next),
		zap.String("in", fmt.Sprintf("%.1fh", next.Sub(now).Hours())),
	)
}

func allFailed(rep *model.SwarmReport) bool {
	if len(rep.AgentResults) == 0 {
		return true
	}
	for _, r := range rep.AgentResults {
		if !r.Failed() {
			return false
		}
	}
	return true
}
