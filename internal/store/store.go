// Package store persists factor readings, report snapshots, the last-known
// value cache and per-tier fetch health.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/macro-swarm/internal/model"
)

// Store defines the persistence interface for the swarm.
type Store interface {
	// Factor time series
	SaveReading(ctx context.Context, r model.ReadingRecord) error
	SaveReadings(ctx context.Context, rs []model.ReadingRecord) (int64, error)
	LatestReading(ctx context.Context, key string) (*model.ReadingRecord, error)
	LatestReadings(ctx context.Context) ([]model.ReadingRecord, error)
	TimeSeries(ctx context.Context, key string, days int) ([]model.SeriesPoint, error)
	CountReadings(ctx context.Context, key string) (int, error)
	ReadingDates(ctx context.Context, key string) (map[string]bool, error)
	ReadingsSince(ctx context.Context, key string, since time.Time) ([]model.ReadingRecord, error)

	// Report snapshots
	SaveReport(ctx context.Context, s model.ReportSnapshot) error
	LatestReport(ctx context.Context) (*model.ReportSnapshot, error)
	SignalHistory(ctx context.Context, days int) ([]model.SignalPoint, error)

	// Persisted last-known values
	GetCachedValue(ctx context.Context, key string) (model.CacheEntry, bool, error)
	SetCachedValue(ctx context.Context, e model.CacheEntry) error
	GetStaleCache(ctx context.Context, key string) (model.CacheEntry, bool, error)

	// Source health
	RecordFetchAttempt(ctx context.Context, a model.FetchAttempt) error
	HealthSummary(ctx context.Context, hours int) ([]model.MethodHealth, error)

	// Maintenance
	Vacuum(ctx context.Context, keepDays int) (VacuumResult, error)
	Stats(ctx context.Context) (model.StoreStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// VacuumResult counts rows removed per table.
type VacuumResult struct {
	Readings  int64 `json:"factor_readings"`
	Health    int64 `json:"source_health"`
	Snapshots int64 `json:"report_snapshots"`
}

// Total is the number of rows removed across all tables.
func (v VacuumResult) Total() int64 { return v.Readings + v.Health + v.Snapshots }

// Open returns the store selected by driver. An empty sqlite dsn defaults
// to macro_factors.db in the working directory.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = "macro_factors.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", driver)
	}
}

// dayStamp is the calendar-day key used by ReadingDates.
const dayStamp = "2006-01-02"

func cutoffDays(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

func cutoffHours(now time.Time, hours int) time.Time {
	return now.UTC().Add(-time.Duration(hours) * time.Hour)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
