package backfill

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/macro-swarm/internal/fetcher"
	"github.com/sells-group/macro-swarm/internal/indicator"
	"github.com/sells-group/macro-swarm/internal/model"
	"github.com/sells-group/macro-swarm/internal/store"
)

var testNow = time.Date(2026, 2, 12, 14, 0, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time { return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC) }

type fakeFRED struct {
	key    bool
	series map[string][]fetcher.Observation
	errs   map[string]error

	mu    sync.Mutex
	calls []string
}

func (f *fakeFRED) HasKey() bool { return f.key }

func (f *fakeFRED) Observations(_ context.Context, id string, _ time.Time) ([]fetcher.Observation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.series[id], nil
}

type fakeCharts struct{ obs []fetcher.Observation }

func (f fakeCharts) Chart(_ context.Context, symbol string, _ int) ([]fetcher.Observation, error) {
	if symbol != "DX-Y.NYB" {
		return nil, errors.New("unknown symbol")
	}
	return f.obs, nil
}

type fakeTables struct{ obs []fetcher.Observation }

func (f fakeTables) MonthlyTable(_ context.Context, path string, _ time.Time) ([]fetcher.Observation, error) {
	if path != "/s-p-500-pe-ratio" {
		return nil, errors.New("unknown path")
	}
	return f.obs, nil
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "backfill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sources() (Sources, *fakeFRED) {
	fred := &fakeFRED{
		key: true,
		series: map[string][]fetcher.Observation{
			"WALCL":     {{Date: day(2, 4), Value: 6_600_000}, {Date: day(2, 11), Value: 6_590_000}},
			"WTREGEN":   {{Date: day(2, 4), Value: 850_000}, {Date: day(2, 11), Value: 909_000}},
			"RRPONTSYD": {{Date: day(2, 5), Value: 2.2}, {Date: day(2, 10), Value: 1}},
			"VIXCLS":    {{Date: day(2, 9), Value: 18.456}, {Date: day(2, 10), Value: 17.2}, {Date: day(2, 11), Value: 17.79}},
		},
		errs: map[string]error{},
	}
	return Sources{
		FRED:   fred,
		Yahoo:  fakeCharts{obs: []fetcher.Observation{{Date: day(2, 10), Value: 97.1234}, {Date: day(2, 11), Value: 96.9}}},
		Multpl: fakeTables{obs: []fetcher.Observation{{Date: day(1, 1), Value: 29.6}, {Date: day(2, 1), Value: 29.81}}},
	}, fred
}

func newBackfiller(src Sources, st Store) *Backfiller {
	return New(indicator.MustDefault(), src, st, WithNow(func() time.Time { return testNow }))
}

func TestRun_LoadsEverySource(t *testing.T) {
	st := newStore(t)
	src, fred := sources()
	ctx := context.Background()

	res, err := newBackfiller(src, st).Run(ctx, 30)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.Inserted["WALCL"])
	assert.Equal(t, 3, res.Inserted["VIX"])
	assert.Equal(t, 2, res.Inserted["DXY"])
	assert.Equal(t, 1, res.Inserted["TTM PE"], "monthly rows before the window are dropped")
	assert.Equal(t, 3, res.Inserted[NetLiquidityKey])
	assert.Equal(t, 2+2+2+3+2+1+3, res.Total)
	assert.Len(t, fred.calls, len(fredJobs))

	walcl, err := st.LatestReading(ctx, "WALCL")
	require.NoError(t, err)
	assert.Equal(t, 6.59, walcl.Value)
	assert.Equal(t, "T", walcl.Unit)
	assert.Equal(t, model.FetchMethodBackfill, walcl.FetchMethod)
	assert.Equal(t, time.Date(2026, 2, 11, 16, 0, 0, 0, time.UTC), walcl.FetchedAt)

	vix, err := st.ReadingsSince(ctx, "VIX", day(2, 1))
	require.NoError(t, err)
	require.Len(t, vix, 3)
	assert.Equal(t, 18.46, vix[0].Value)

	dxy, err := st.LatestReading(ctx, "DXY")
	require.NoError(t, err)
	assert.Equal(t, 96.9, dxy.Value)
}

func TestRun_NetLiquidityForwardFill(t *testing.T) {
	st := newStore(t)
	src, _ := sources()
	ctx := context.Background()

	_, err := newBackfiller(src, st).Run(ctx, 30)
	require.NoError(t, err)

	net, err := st.ReadingsSince(ctx, NetLiquidityKey, day(1, 1))
	require.NoError(t, err)
	require.Len(t, net, 3)

	// Feb 4 lacks RRP. Feb 5 and Feb 10 carry WALCL and TGA forward.
	assert.Equal(t, time.Date(2026, 2, 5, 16, 0, 0, 0, time.UTC), net[0].FetchedAt)
	assert.InDelta(t, 5.75, net[0].Value, 1e-9)
	assert.InDelta(t, 5.75, net[1].Value, 1e-9)
	assert.InDelta(t, 5.68, net[2].Value, 1e-9)
	assert.Equal(t, "Computed", net[2].SourceName)
}

func TestRun_Idempotent(t *testing.T) {
	st := newStore(t)
	src, _ := sources()
	ctx := context.Background()
	b := newBackfiller(src, st)

	first, err := b.Run(ctx, 30)
	require.NoError(t, err)
	require.Positive(t, first.Total)

	second, err := b.Run(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, second.Total)

	n, err := st.CountReadings(ctx, "VIX")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_UpstreamFailureSkipsFactor(t *testing.T) {
	st := newStore(t)
	src, fred := sources()
	fred.errs["VIXCLS"] = errors.New("status 500")

	res, err := newBackfiller(src, st).Run(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"VIX"}, res.Failed)
	assert.Equal(t, 2, res.Inserted["WALCL"])
	_, ok := res.Inserted["VIX"]
	assert.False(t, ok)
}

func TestRun_NoFREDKey(t *testing.T) {
	st := newStore(t)
	src, fred := sources()
	fred.key = false

	res, err := newBackfiller(src, st).Run(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, fred.calls)
	assert.Equal(t, 2, res.Inserted["DXY"])
	assert.Equal(t, 1, res.Inserted["TTM PE"])
	assert.Zero(t, res.Inserted[NetLiquidityKey])
}

func TestNeedsBackfill(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	b := newBackfiller(Sources{}, st)

	need, err := b.NeedsBackfill(ctx)
	require.NoError(t, err)
	assert.True(t, need)

	var rs []model.ReadingRecord
	for i := range 10 {
		rs = append(rs, model.ReadingRecord{FactorKey: "VIX", Value: 17, FetchMethod: model.FetchMethodFREDAPI, FetchedAt: testNow.AddDate(0, 0, -i)})
	}
	_, err = st.SaveReadings(ctx, rs)
	require.NoError(t, err)

	need, err = b.NeedsBackfill(ctx)
	require.NoError(t, err)
	assert.False(t, need)
}

func TestStamp(t *testing.T) {
	got := Stamp(time.Date(2026, 2, 9, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 9, 16, 0, 0, 0, time.UTC), got)
}
