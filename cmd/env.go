package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/agent"
	"github.com/sells-group/macro-swarm/internal/backfill"
	"github.com/sells-group/macro-swarm/internal/config"
	"github.com/sells-group/macro-swarm/internal/fetcher"
	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/monitoring"
	"github.com/sells-group/macro-swarm/internal/report"
	"github.com/sells-group/macro-swarm/internal/resilience"
	"github.com/sells-group/macro-swarm/internal/scheduler"
	"github.com/sells-group/macro-swarm/internal/store"
	"github.com/sells-group/macro-swarm/internal/swarm"
)

// swarmEnv holds everything the run/serve/daemon/backfill commands share.
type swarmEnv struct {
	Store        store.Store
	Registry     *indicator.Registry
	Metrics      *prometheus.Registry
	Fetcher      *fetcher.Validated
	Orchestrator *swarm.Orchestrator
	Scheduler    *scheduler.Scheduler
	Backfiller   *backfill.Backfiller

	redis *fetcher.RedisCache
}

// Close releases resources held by the environment.
func (e *swarmEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadRegistry returns the embedded registry or the configured override.
func loadRegistry(c config.IndicatorsConfig) (*indicator.Registry, error) {
	if c.Path == "" {
		return indicator.Default()
	}
	reg, err := indicator.Load(c.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "load indicator registry %s", c.Path)
	}
	zap.L().Info("indicator registry loaded", zap.String("path", c.Path), zap.Int("indicators", len(reg.Keys())))
	return reg, nil
}

// clientOptions maps the fetch section onto the shared HTTP client.
func clientOptions(c config.FetchConfig, m *fetcher.Metrics) fetcher.ClientOptions {
	return fetcher.ClientOptions{
		UserAgent: c.UserAgent,
		Timeout:   c.Timeout(),
		Retry:     resilience.FromFetchConfig(c.MaxRetries, 0),
		Breakers:  resilience.NewServiceBreakers(resilience.FromCircuitConfig(c.BreakerFailures, c.BreakerResetSecs)),
		Metrics:   m,
	}
}

func swarmConfig(c config.SwarmConfig) swarm.Config {
	out := swarm.DefaultConfig()
	if c.Workers > 0 {
		out.Workers = c.Workers
	}
	if c.OverallTimeoutSecs > 0 {
		out.OverallTimeout = time.Duration(c.OverallTimeoutSecs) * time.Second
	}
	if c.AgentTimeoutSecs > 0 {
		out.AgentTimeout = time.Duration(c.AgentTimeoutSecs) * time.Second
	}
	return out
}

// initEnv validates config for mode and wires store, fetchers, agents,
// orchestrator, scheduler and backfiller. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*swarmEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg.Indicators)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &swarmEnv{Store: st, Registry: reg}

	env.Metrics = prometheus.NewRegistry()
	env.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	fetchMetrics := fetcher.NewMetrics(env.Metrics)

	client := fetcher.NewClient(clientOptions(cfg.Fetch, fetchMetrics))
	fred := fetcher.NewFRED(client, fetcher.FREDConfig{
		APIKey:     cfg.FRED.APIKey,
		APIBaseURL: cfg.FRED.APIBaseURL,
		CSVBaseURL: cfg.FRED.CSVBaseURL,
	})
	yahoo := fetcher.NewYahoo(client, fetcher.YahooConfig{
		CookieURL:  cfg.Yahoo.CookieURL,
		CrumbURL:   cfg.Yahoo.CrumbURL,
		QuoteURL:   cfg.Yahoo.QuoteURL,
		ChartURL:   cfg.Yahoo.ChartURL,
		SessionTTL: time.Duration(cfg.Yahoo.SessionTTLMins) * time.Minute,
	})
	multpl := fetcher.NewMultpl(client, cfg.Multpl.BaseURL)

	if !fred.HasKey() {
		zap.L().Warn("no FRED API key configured, FRED API tier disabled (set FRED_API_KEY)")
	}

	fetchOpts := []fetcher.Option{
		fetcher.WithPersistence(st),
		fetcher.WithMetrics(fetchMetrics),
		fetcher.WithCacheTTL(cfg.Fetch.CacheTTL()),
	}
	if cfg.Fetch.RedisURL != "" {
		rc, err := fetcher.NewRedisCache(ctx, cfg.Fetch.RedisURL, cfg.Fetch.CacheTTL())
		if err != nil {
			// The in-process cache is enough to run.
			zap.L().Warn("redis cache unavailable, using memory cache only", zap.Error(err))
		} else {
			env.redis = rc
			fetchOpts = append(fetchOpts, fetcher.WithCache(
				fetcher.NewLayeredCache(fetcher.NewMemoryCache(cfg.Fetch.CacheTTL()), rc),
			))
		}
	}
	env.Fetcher = fetcher.NewValidated(reg, fetcher.Sources{FRED: fred, Yahoo: yahoo, Multpl: multpl}, fetchOpts...)

	agents, err := agent.New(reg, env.Fetcher)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build agents")
	}
	env.Orchestrator = swarm.New(agents, reg.CategoryWeights(), swarmConfig(cfg.Swarm),
		swarm.WithPersister(st),
		swarm.WithMetrics(swarm.NewMetrics(env.Metrics)),
	)

	schedCfg, err := scheduler.FromConfig(cfg.Schedule)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Scheduler = scheduler.New(env.Orchestrator, report.NewWriter(cfg.Output.Dir), schedCfg)

	env.Backfiller = backfill.New(reg, backfill.Sources{FRED: fred, Yahoo: yahoo, Multpl: multpl}, st)

	return env, nil
}

// newChecker builds the periodic health checker.
func newChecker(env *swarmEnv) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Store, env.Registry),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

// backfillOnStartup loads history when the store is too thin for trend views.
func backfillOnStartup(ctx context.Context, env *swarmEnv) {
	if !cfg.Backfill.OnStartup {
		return
	}
	need, err := env.Backfiller.NeedsBackfill(ctx)
	if err != nil {
		zap.L().Error("startup backfill check failed", zap.Error(err))
		return
	}
	if !need {
		zap.L().Info("history sufficient, skipping startup backfill")
		return
	}
	res, err := env.Backfiller.Run(ctx, cfg.Backfill.Days)
	if err != nil {
		zap.L().Error("startup backfill failed", zap.Error(err))
		return
	}
	zap.L().Info("startup backfill complete", zap.Int("inserted", res.Total))
}
