// Package fetcher acquires indicator values from FRED, Yahoo Finance and
// multpl through an ordered fallback chain with bounds validation, caching
// and per-attempt health recording.
package fetcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

var (
	// ErrNoDataAvailable means every tier failed and no fallback is configured.
	ErrNoDataAvailable = eris.New("fetcher: no data available")
	// ErrOutOfBounds marks a fetched value outside its plausibility bounds.
	ErrOutOfBounds = eris.New("fetcher: value out of bounds")
)

// SeriesSource is the FRED side of the chain.
type SeriesSource interface {
	HasKey() bool
	LatestAPI(ctx context.Context, seriesID string) (float64, error)
	LatestCSV(ctx context.Context, seriesID string) (float64, error)
}

// QuoteSource serves yahoo alternates.
type QuoteSource interface {
	Quote(ctx context.Context, symbol, field string) (float64, error)
}

// PageSource serves multpl alternates.
type PageSource interface {
	Current(ctx context.Context, path, label string) (float64, error)
}

// Sources groups the upstream clients. Nil members disable their tiers.
type Sources struct {
	FRED   SeriesSource
	Yahoo  QuoteSource
	Multpl PageSource
}

// Persistence is the slice of the store the fetcher uses: attempt health,
// the last-known-value cache, and its stale read.
type Persistence interface {
	RecordFetchAttempt(ctx context.Context, a model.FetchAttempt) error
	SetCachedValue(ctx context.Context, e model.CacheEntry) error
	GetStaleCache(ctx context.Context, key string) (model.CacheEntry, bool, error)
}

// Option configures a Validated fetcher.
type Option func(*Validated)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option { return func(v *Validated) { v.cache = c } }

// WithPersistence enables health recording, the persisted cache and the stale tier.
func WithPersistence(p Persistence) Option { return func(v *Validated) { v.persist = p } }

// WithMetrics enables prometheus tier metrics.
func WithMetrics(m *Metrics) Option { return func(v *Validated) { v.metrics = m } }

// WithCacheTTL sets the persisted cache expiry.
func WithCacheTTL(d time.Duration) Option { return func(v *Validated) { v.cacheTTL = d } }

// WithNow injects a clock.
func WithNow(now func() time.Time) Option { return func(v *Validated) { v.now = now } }

// WithLogger replaces the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validated) { v.log = l.With(zap.String("component", "fetcher")) }
}

// Validated resolves an indicator key to a reading, walking the tiers in
// order: memory cache, FRED API, FRED CSV, alternates, persisted stale
// cache, hardcoded fallback. Safe for concurrent use.
type Validated struct {
	reg      *indicator.Registry
	src      Sources
	cache    Cache
	persist  Persistence
	metrics  *Metrics
	cacheTTL time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewValidated creates a Validated fetcher.
func NewValidated(reg *indicator.Registry, src Sources, opts ...Option) *Validated {
	v := &Validated{
		reg:      reg,
		src:      src,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "fetcher")),
	}
	for _, o := range opts {
		o(v)
	}
	if v.cache == nil {
		mc := NewMemoryCache(v.cacheTTL)
		mc.now = v.now
		v.cache = mc
	}
	return v
}

type tier struct {
	method model.FetchMethod
	fetch  func(ctx context.Context) (float64, error)
}

func (v *Validated) tiers(ind indicator.Indicator) []tier {
	var out []tier
	if ind.SeriesID != "" && v.src.FRED != nil {
		if v.src.FRED.HasKey() {
			out = append(out, tier{model.FetchMethodFREDAPI, func(ctx context.Context) (float64, error) {
				return v.src.FRED.LatestAPI(ctx, ind.SeriesID)
			}})
		}
		out = append(out, tier{model.FetchMethodFREDCSV, func(ctx context.Context) (float64, error) {
			return v.src.FRED.LatestCSV(ctx, ind.SeriesID)
		}})
	}
	for _, alt := range ind.Alternates {
		switch alt.Provider {
		case "yahoo":
			if v.src.Yahoo != nil {
				out = append(out, tier{model.FetchMethodYahoo, func(ctx context.Context) (float64, error) {
					return v.src.Yahoo.Quote(ctx, alt.Symbol, alt.Field)
				}})
			}
		case "multpl":
			if v.src.Multpl != nil {
				out = append(out, tier{model.FetchMethodMultpl, func(ctx context.Context) (float64, error) {
					return v.src.Multpl.Current(ctx, alt.Path, alt.Label)
				}})
			}
		}
	}
	return out
}

// Fetch returns the best available reading for key. It fails only when the
// key is unknown or every tier, including the fallback, is exhausted.
func (v *Validated) Fetch(ctx context.Context, key string) (model.Reading, error) {
	ind, err := v.reg.Indicator(key)
	if err != nil {
		return model.Reading{}, err
	}
	log := v.log.With(zap.String("indicator", key))

	if r, ok := v.cache.Get(ctx, key); ok {
		r.Method = model.FetchMethodCache
		v.metrics.observeServed(key, model.FetchMethodCache)
		log.Debug("served from cache", zap.Float64("value", r.Value))
		return r, nil
	}

	for _, t := range v.tiers(ind) {
		if ctx.Err() != nil {
			log.Warn("context done, skipping network tiers", zap.Error(ctx.Err()))
			break
		}
		val, err := v.attempt(ctx, ind, t)
		if err != nil {
			log.Warn("tier failed", zap.String("method", string(t.method)), zap.Error(err))
			continue
		}

		r := model.Reading{
			Key:        key,
			Value:      val,
			Unit:       ind.Unit,
			Live:       true,
			Source:     ind.Source(),
			Method:     t.method,
			CapturedAt: v.now().UTC(),
		}
		v.remember(ctx, r)
		v.metrics.observeServed(key, t.method)
		log.Info("live value", zap.String("method", string(t.method)), zap.Float64("value", val))
		return r, nil
	}

	if r, ok := v.stale(ctx, ind); ok {
		v.metrics.observeServed(key, model.FetchMethodStaleCache)
		log.Warn("serving stale cached value",
			zap.Float64("value", r.Value),
			zap.Time("fetched_at", r.CapturedAt),
		)
		return r, nil
	}

	if ind.Fallback != nil {
		v.metrics.observeServed(key, model.FetchMethodFallback)
		v.logFallback(log, *ind.Fallback)
		return model.Reading{
			Key:        key,
			Value:      *ind.Fallback,
			Unit:       ind.Unit,
			Live:       false,
			Source:     ind.Source(),
			Method:     model.FetchMethodFallback,
			CapturedAt: v.now().UTC(),
		}, nil
	}

	log.Error("all tiers exhausted")
	return model.Reading{}, eris.Wrapf(ErrNoDataAvailable, "indicator %s", key)
}

// attempt runs one network tier, validates bounds and records the outcome.
func (v *Validated) attempt(ctx context.Context, ind indicator.Indicator, t tier) (float64, error) {
	start := v.now()
	val, err := t.fetch(ctx)
	if err == nil && !ind.Bounds.Contains(val) {
		err = eris.Wrapf(ErrOutOfBounds, "%s=%v not in [%v, %v]", ind.Key, val, ind.Bounds.Lo, ind.Bounds.Hi)
	}
	latency := v.now().Sub(start)

	outcome := "success"
	switch {
	case eris.Is(err, ErrOutOfBounds):
		outcome = "out_of_bounds"
	case err != nil:
		outcome = "failure"
	}
	v.metrics.observeAttempt(ind.Key, t.method, outcome, latency)

	if v.persist != nil {
		a := model.FetchAttempt{
			FactorKey:   ind.Key,
			FetchMethod: t.method,
			Success:     err == nil,
			Latency:     latency,
			AttemptedAt: start.UTC(),
		}
		if err != nil {
			a.Error = err.Error()
		}
		// Recording must outlive an agent deadline that cut the attempt short.
		if rerr := v.persist.RecordFetchAttempt(context.WithoutCancel(ctx), a); rerr != nil {
			v.log.Warn("record fetch attempt", zap.String("indicator", ind.Key), zap.Error(rerr))
		}
	}
	return val, err
}

func (v *Validated) remember(ctx context.Context, r model.Reading) {
	v.cache.Set(ctx, r.Key, r)
	if v.persist == nil {
		return
	}
	entry := model.CacheEntry{
		FactorKey:   r.Key,
		Value:       r.Value,
		Source:      r.Source.Name,
		FetchMethod: r.Method,
		FetchedAt:   r.CapturedAt,
		ExpiresAt:   r.CapturedAt.Add(v.cacheTTL),
	}
	if err := v.persist.SetCachedValue(context.WithoutCancel(ctx), entry); err != nil {
		v.log.Warn("persist cached value", zap.String("indicator", r.Key), zap.Error(err))
	}
}

func (v *Validated) stale(ctx context.Context, ind indicator.Indicator) (model.Reading, bool) {
	if v.persist == nil {
		return model.Reading{}, false
	}
	e, ok, err := v.persist.GetStaleCache(context.WithoutCancel(ctx), ind.Key)
	if err != nil {
		v.log.Warn("read stale cache", zap.String("indicator", ind.Key), zap.Error(err))
		return model.Reading{}, false
	}
	if !ok || !ind.Bounds.Contains(e.Value) {
		return model.Reading{}, false
	}
	return model.Reading{
		Key:        ind.Key,
		Value:      e.Value,
		Unit:       ind.Unit,
		Live:       false,
		Source:     ind.Source(),
		Method:     model.FetchMethodStaleCache,
		CapturedAt: e.FetchedAt,
	}, true
}

func (v *Validated) logFallback(log *zap.Logger, val float64) {
	snapshot := v.reg.SnapshotDate()
	age := int(v.now().Sub(snapshot).Hours() / 24)
	fields := []zap.Field{
		zap.Float64("value", val),
		zap.String("snapshot_date", v.reg.FallbackDate),
		zap.Int("age_days", age),
	}
	if age > v.reg.FallbackMaxAgeDays {
		log.Warn("using expired fallback value", fields...)
		return
	}
	log.Info("using fallback value", fields...)
}
