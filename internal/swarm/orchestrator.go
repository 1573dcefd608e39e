// Package swarm runs the indicator agents concurrently under a time budget
// and folds their results into one weighted report.
package swarm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/macro-swarm/internal/agent"
	"github.com/sells-group/macro-swarm/internal/model"
	"github.com/sells-group/macro-swarm/internal/report"
)

// ErrAgentTimeout marks an agent whose result was not collected in time.
var ErrAgentTimeout = eris.New("swarm: agent timed out")

// Persister is the slice of the store one cycle writes to.
type Persister interface {
	SaveReading(ctx context.Context, r model.ReadingRecord) error
	SaveReport(ctx context.Context, s model.ReportSnapshot) error
}

// Config bounds one orchestration cycle.
type Config struct {
	Workers        int
	OverallTimeout time.Duration
	AgentTimeout   time.Duration
}

// DefaultConfig is one worker per agent, 60s for the cycle and 30s per agent.
func DefaultConfig() Config {
	return Config{Workers: 3, OverallTimeout: 60 * time.Second, AgentTimeout: 30 * time.Second}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPersister enables persistence of readings and report snapshots.
func WithPersister(p Persister) Option { return func(o *Orchestrator) { o.persist = p } }

// WithMetrics enables prometheus cycle metrics.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithNow injects a clock.
func WithNow(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator runs the agent set. Safe for concurrent Run calls; each call
// is an independent cycle.
type Orchestrator struct {
	agents  []agent.Agent
	weights map[model.Category]float64
	cfg     Config
	persist Persister
	metrics *Metrics
	now     func() time.Time
	newID   func() string
	log     *zap.Logger
}

// New creates an Orchestrator. Zero Config fields take DefaultConfig values.
func New(agents []agent.Agent, weights map[model.Category]float64, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = def.OverallTimeout
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = def.AgentTimeout
	}
	o := &Orchestrator{
		agents:  agents,
		weights: weights,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     zap.L().With(zap.String("component", "swarm")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one full cycle and always returns a report. Agent failures
// and timeouts become errored results; persistence failures are logged.
func (o *Orchestrator) Run(ctx context.Context) *model.SwarmReport {
	start := o.now()
	runID := o.newID()
	log := o.log.With(zap.String("run_id", runID))
	log.Info("swarm started", zap.Int("agents", len(o.agents)), zap.Int("workers", o.cfg.Workers))

	rctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	// Slots are indexed by agent so completion order never affects the report.
	results := make([]model.AgentResult, len(o.agents))

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for i, a := range o.agents {
		g.Go(func() error {
			results[i] = o.collect(rctx, a)
			return nil
		})
	}
	_ = g.Wait()

	rep := Synthesize(results, o.weights)
	rep.RunID = runID
	rep.Timestamp = o.now().UTC()

	elapsed := o.now().Sub(start)
	o.metrics.observeRun(rep, elapsed)
	log.Info("swarm finished",
		zap.String("signal", string(rep.OverallSignal)),
		zap.Float64("score", rep.WeightedScore),
		zap.Int("live", rep.LiveCount),
		zap.Int("fallback", rep.FallbackCount),
		zap.Duration("elapsed", elapsed),
	)

	if o.persist != nil {
		// The cycle budget may be spent; persistence still runs.
		if err := o.save(context.WithoutCancel(ctx), rep); err != nil {
			o.metrics.observePersistFailure()
			log.Warn("persist cycle failed, report still returned", zap.Error(err))
		}
	}
	return rep
}

// collect runs one agent and waits at most AgentTimeout for its result. A
// straggler is abandoned, not killed: its goroutine finishes into a buffered
// channel nobody reads.
func (o *Orchestrator) collect(ctx context.Context, a agent.Agent) model.AgentResult {
	if err := ctx.Err(); err != nil {
		o.metrics.observeAgent(a.Name(), "timeout")
		return model.FailedResult(a.Name(), a.Category(),
			eris.Wrap(ErrAgentTimeout, "cycle deadline passed before start"), o.now().UTC())
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
	defer cancel()

	done := make(chan model.AgentResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.FailedResult(a.Name(), a.Category(), eris.Errorf("panic: %v", r), o.now().UTC())
			}
		}()
		done <- a.Analyze(actx)
	}()

	select {
	case res := <-done:
		if res.Failed() {
			o.metrics.observeAgent(a.Name(), "error")
			o.log.Error("agent failed", zap.String("agent", a.Name()), zap.String("error", res.Error))
		} else {
			o.metrics.observeAgent(a.Name(), "ok")
		}
		return res
	case <-actx.Done():
		o.metrics.observeAgent(a.Name(), "timeout")
		err := eris.Wrapf(ErrAgentTimeout, "%s after %s", a.Name(), o.cfg.AgentTimeout)
		if ctx.Err() != nil {
			err = eris.Wrapf(ErrAgentTimeout, "%s: cycle deadline %s", a.Name(), o.cfg.OverallTimeout)
		}
		o.log.Error("agent timed out", zap.String("agent", a.Name()), zap.Error(err))
		return model.FailedResult(a.Name(), a.Category(), err, o.now().UTC())
	}
}

// save writes every factor reading, then the snapshot.
func (o *Orchestrator) save(ctx context.Context, rep *model.SwarmReport) error {
	var n int
	for _, r := range rep.AgentResults {
		if r.Failed() {
			continue
		}
		for _, f := range r.Factors {
			if err := o.persist.SaveReading(ctx, model.RecordFromFactor(f)); err != nil {
				return eris.Wrapf(err, "save reading %s", f.Key)
			}
			n++
		}
	}

	snap, err := Snapshot(rep)
	if err != nil {
		return err
	}
	if err := o.persist.SaveReport(ctx, snap); err != nil {
		return eris.Wrap(err, "save report snapshot")
	}
	o.log.Info("cycle persisted", zap.Int("readings", n), zap.String("run_id", rep.RunID))
	return nil
}

// Snapshot denormalizes a report into its persisted form.
func Snapshot(rep *model.SwarmReport) (model.ReportSnapshot, error) {
	data, err := json.Marshal(report.Build(rep))
	if err != nil {
		return model.ReportSnapshot{}, eris.Wrap(err, "marshal report")
	}
	return model.ReportSnapshot{
		RunID:         rep.RunID,
		OverallSignal: rep.OverallSignal,
		WeightedScore: rep.WeightedScore,
		BullCount:     len(rep.BullFactors),
		NeutralCount:  len(rep.NeutralFactors),
		BearCount:     len(rep.BearFactors),
		LiveCount:     rep.LiveCount,
		FallbackCount: rep.FallbackCount,
		ReportJSON:    data,
		CreatedAt:     rep.Timestamp,
	}, nil
}
