// Package backfill loads historical factor readings so trend views have
// data before the daily job has accumulated its own. Loads are idempotent
// per (factor, calendar day).
package backfill

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/macro-swarm/internal/fetcher"
	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
)

// DefaultDays is the default lookback.
const DefaultDays = 90

// minVIXReadings is the series depth below which a startup backfill is due.
const minVIXReadings = 10

// Series reads dated FRED observations.
type Series interface {
	HasKey() bool
	Observations(ctx context.Context, seriesID string, start time.Time) ([]fetcher.Observation, error)
}

// Charts reads daily closes from a quote provider.
type Charts interface {
	Chart(ctx context.Context, symbol string, days int) ([]fetcher.Observation, error)
}

// Tables reads a monthly history table.
type Tables interface {
	MonthlyTable(ctx context.Context, path string, since time.Time) ([]fetcher.Observation, error)
}

// Store is the slice of the store a backfill needs.
type Store interface {
	CountReadings(ctx context.Context, key string) (int, error)
	ReadingDates(ctx context.Context, key string) (map[string]bool, error)
	ReadingsSince(ctx context.Context, key string, since time.Time) ([]model.ReadingRecord, error)
	SaveReadings(ctx context.Context, rs []model.ReadingRecord) (int64, error)
}

// Sources are the historical upstreams. Any may be nil.
type Sources struct {
	FRED   Series
	Yahoo  Charts
	Multpl Tables
}

// job maps one registry indicator onto a persisted factor key, with the same
// unit conversion the agents apply to live values.
type job struct {
	factor    string
	indicator string
	unit      string
	transform func(float64) float64
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func places(n int) func(float64) float64 {
	return func(v float64) float64 { return round(v, n) }
}

var fredJobs = []job{
	{factor: "WALCL", indicator: "WALCL", unit: "T", transform: func(v float64) float64 { return round(v/1_000_000, 2) }},
	{factor: "TGA", indicator: "TGA", unit: "B", transform: func(v float64) float64 { return round(v/1_000, 0) }},
	{factor: "RRP", indicator: "RRP", unit: "B", transform: places(0)},
	{factor: "10Y Yield", indicator: "DGS10", unit: "%", transform: places(2)},
	{factor: "HY OAS", indicator: "HY_OAS", unit: "%", transform: places(2)},
	{factor: "Yield Curve", indicator: "T10Y2Y", unit: "%", transform: places(2)},
	{factor: "VIX", indicator: "VIX", unit: "", transform: places(2)},
}

var (
	dxyJob = job{factor: "DXY", indicator: "DXY", unit: "", transform: places(3)}
	peJob  = job{factor: "TTM PE", indicator: "SP500_PE", unit: "x", transform: places(2)}
)

// NetLiquidityKey is the derived factor computed from WALCL, TGA and RRP.
const NetLiquidityKey = "Net Liquidity"

// Result summarizes one backfill.
type Result struct {
	Inserted map[string]int `json:"inserted"`
	Failed   []string       `json:"failed,omitempty"`
	Total    int            `json:"total"`
}

// Option configures a Backfiller.
type Option func(*Backfiller)

// WithNow injects a clock.
func WithNow(now func() time.Time) Option { return func(b *Backfiller) { b.now = now } }

// WithConcurrency bounds parallel upstream fetches.
func WithConcurrency(n int) Option { return func(b *Backfiller) { b.workers = n } }

// Backfiller loads history for every tracked factor.
type Backfiller struct {
	reg     *indicator.Registry
	src     Sources
	store   Store
	now     func() time.Time
	workers int
	log     *zap.Logger
}

// New creates a Backfiller.
func New(reg *indicator.Registry, src Sources, st Store, opts ...Option) *Backfiller {
	b := &Backfiller{
		reg:     reg,
		src:     src,
		store:   st,
		now:     time.Now,
		workers: 3,
		log:     zap.L().With(zap.String("component", "backfill")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NeedsBackfill reports whether the VIX series is too thin for trend views.
func (b *Backfiller) NeedsBackfill(ctx context.Context) (bool, error) {
	n, err := b.store.CountReadings(ctx, "VIX")
	if err != nil {
		return false, eris.Wrap(err, "backfill: count VIX readings")
	}
	b.log.Info("backfill check", zap.Int("vix_readings", n), zap.Bool("needed", n < minVIXReadings))
	return n < minVIXReadings, nil
}

// fetched holds one job's upstream observations.
type fetched struct {
	job  job
	src  model.DataSource
	obs  []fetcher.Observation
	fail error
}

// Run loads days of history. Upstream failures skip that factor; only a
// store error aborts the run.
func (b *Backfiller) Run(ctx context.Context, days int) (Result, error) {
	if days <= 0 {
		days = DefaultDays
	}
	start := b.now().UTC().AddDate(0, 0, -days)
	res := Result{Inserted: make(map[string]int)}
	b.log.Info("backfill started", zap.Int("days", days))

	var (
		mu      sync.Mutex
		results []fetched
	)
	collect := func(f fetched) {
		mu.Lock()
		results = append(results, f)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	if b.src.FRED != nil && b.src.FRED.HasKey() {
		for _, j := range fredJobs {
			ind, err := b.reg.Indicator(j.indicator)
			if err != nil || ind.SeriesID == "" {
				b.log.Warn("backfill job not configured", zap.String("factor", j.factor))
				continue
			}
			g.Go(func() error {
				obs, err := b.src.FRED.Observations(gctx, ind.SeriesID, start)
				collect(fetched{job: j, src: ind.Source(), obs: obs, fail: err})
				return nil
			})
		}
	} else {
		b.log.Warn("no FRED API key, skipping FRED backfill")
	}

	if alt, ind, ok := b.alternate(dxyJob, "yahoo"); ok && b.src.Yahoo != nil {
		g.Go(func() error {
			obs, err := b.src.Yahoo.Chart(gctx, alt.Symbol, days)
			collect(fetched{job: dxyJob, src: ind.Source(), obs: obs, fail: err})
			return nil
		})
	}
	if alt, ind, ok := b.alternate(peJob, "multpl"); ok && b.src.Multpl != nil {
		g.Go(func() error {
			obs, err := b.src.Multpl.MonthlyTable(gctx, alt.Path, start)
			collect(fetched{job: peJob, src: ind.Source(), obs: obs, fail: err})
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic write order keeps logs and tests stable.
	sort.Slice(results, func(i, k int) bool { return results[i].job.factor < results[k].job.factor })

	for _, f := range results {
		log := b.log.With(zap.String("factor", f.job.factor))
		if f.fail != nil {
			log.Warn("history fetch failed", zap.Error(f.fail))
			res.Failed = append(res.Failed, f.job.factor)
			continue
		}
		n, err := b.write(ctx, f, start)
		if err != nil {
			return res, err
		}
		res.Inserted[f.job.factor] = n
		res.Total += n
		log.Info("history loaded", zap.Int("inserted", n), zap.Int("observations", len(f.obs)))
	}

	n, err := b.netLiquidity(ctx, start)
	if err != nil {
		return res, err
	}
	res.Inserted[NetLiquidityKey] = n
	res.Total += n

	b.log.Info("backfill complete", zap.Int("inserted", res.Total), zap.Strings("failed", res.Failed))
	return res, nil
}

func (b *Backfiller) alternate(j job, provider string) (indicator.Alternate, indicator.Indicator, bool) {
	ind, err := b.reg.Indicator(j.indicator)
	if err != nil {
		return indicator.Alternate{}, indicator.Indicator{}, false
	}
	for _, alt := range ind.Alternates {
		if alt.Provider == provider {
			return alt, ind, true
		}
	}
	return indicator.Alternate{}, ind, false
}

// write persists the observations of one job whose day is not yet stored.
func (b *Backfiller) write(ctx context.Context, f fetched, start time.Time) (int, error) {
	existing, err := b.store.ReadingDates(ctx, f.job.factor)
	if err != nil {
		return 0, eris.Wrapf(err, "backfill: existing dates for %s", f.job.factor)
	}
	cutoff := start.Format(time.DateOnly)

	var batch []model.ReadingRecord
	for _, o := range f.obs {
		day := o.Date.Format(time.DateOnly)
		if day < cutoff || existing[day] {
			continue
		}
		existing[day] = true
		batch = append(batch, model.ReadingRecord{
			FactorKey:   f.job.factor,
			Value:       f.job.transform(o.Value),
			Unit:        f.job.unit,
			Signal:      model.SignalNeutral,
			Live:        true,
			SourceName:  f.src.Name,
			SourceURL:   f.src.URL,
			FetchMethod: model.FetchMethodBackfill,
			FetchedAt:   Stamp(o.Date),
		})
	}
	n, err := b.store.SaveReadings(ctx, batch)
	if err != nil {
		return 0, eris.Wrapf(err, "backfill: save %s", f.job.factor)
	}
	return int(n), nil
}

// netLiquidity derives WALCL − TGA − RRP per day, carrying each component
// forward across days it did not publish.
func (b *Backfiller) netLiquidity(ctx context.Context, start time.Time) (int, error) {
	series := make(map[string]map[string]float64, 3)
	days := make(map[string]bool)
	for _, key := range []string{"WALCL", "TGA", "RRP"} {
		rows, err := b.store.ReadingsSince(ctx, key, start)
		if err != nil {
			return 0, eris.Wrapf(err, "backfill: read %s", key)
		}
		byDay := make(map[string]float64, len(rows))
		for _, r := range rows {
			d := r.FetchedAt.UTC().Format(time.DateOnly)
			byDay[d] = r.Value
			days[d] = true
		}
		series[key] = byDay
	}

	existing, err := b.store.ReadingDates(ctx, NetLiquidityKey)
	if err != nil {
		return 0, eris.Wrap(err, "backfill: existing net liquidity dates")
	}

	ordered := make([]string, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	var (
		walcl, tga, rrp  float64
		hasW, hasT, hasR bool
		batch            []model.ReadingRecord
	)
	for _, d := range ordered {
		if v, ok := series["WALCL"][d]; ok {
			walcl, hasW = v, true
		}
		if v, ok := series["TGA"][d]; ok {
			tga, hasT = v, true
		}
		if v, ok := series["RRP"][d]; ok {
			rrp, hasR = v, true
		}
		if !hasW || !hasT || !hasR || existing[d] {
			continue
		}
		day, _ := time.Parse(time.DateOnly, d)
		src := model.ComputedSource()
		batch = append(batch, model.ReadingRecord{
			FactorKey:   NetLiquidityKey,
			Value:       round(walcl-tga/1000-rrp/1000, 2),
			Unit:        "T",
			Signal:      model.SignalNeutral,
			Live:        true,
			SourceName:  src.Name,
			SourceURL:   src.URL,
			FetchMethod: model.FetchMethodBackfill,
			FetchedAt:   Stamp(day),
		})
	}

	n, err := b.store.SaveReadings(ctx, batch)
	if err != nil {
		return 0, eris.Wrap(err, "backfill: save net liquidity")
	}
	return int(n), nil
}

// Stamp places a historical observation at 16:00 UTC on its day.
func Stamp(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, time.UTC)
}
