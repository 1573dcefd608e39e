package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/macro-swarm/internal/db"
	"github.com/sells-group/macro-swarm/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertReading = `INSERT INTO factor_readings
	(factor_key, value, unit, signal, is_live, source_name, source_url, fetch_method, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	pgRecordAttempt = `INSERT INTO source_health
	(factor_key, fetch_method, success, latency_ms, error_message, attempted_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

	pgGetCache = `SELECT factor_key, last_value, last_source, fetch_method, fetched_at, expires_at
	FROM cache_metadata WHERE factor_key = $1`

	pgSetCache = `INSERT INTO cache_metadata
	(factor_key, last_value, last_source, fetch_method, fetched_at, expires_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (factor_key) DO UPDATE SET
		last_value = EXCLUDED.last_value,
		last_source = EXCLUDED.last_source,
		fetch_method = EXCLUDED.fetch_method,
		fetched_at = EXCLUDED.fetched_at,
		expires_at = EXCLUDED.expires_at,
		updated_at = now()`
)

// preparedStatements are prepared on each new connection; every cycle runs
// them once per indicator or per tier attempt.
var preparedStatements = map[string]string{
	"insert_reading": pgInsertReading,
	"record_attempt": pgRecordAttempt,
	"get_cache":      pgGetCache,
	"set_cache":      pgSetCache,
}

// readingColumns is the COPY column list for bulk reading loads.
var readingColumns = []string{
	"factor_key", "value", "unit", "signal", "is_live",
	"source_name", "source_url", "fetch_method", "fetched_at",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS factor_readings (
	id           BIGSERIAL PRIMARY KEY,
	factor_key   TEXT             NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	unit         TEXT             NOT NULL DEFAULT '',
	signal       TEXT             NOT NULL DEFAULT 'NEUTRAL',
	is_live      BOOLEAN          NOT NULL DEFAULT false,
	source_name  TEXT             NOT NULL DEFAULT '',
	source_url   TEXT             NOT NULL DEFAULT '',
	fetch_method TEXT             NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ      NOT NULL,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_readings_key_time ON factor_readings(factor_key, fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_readings_time ON factor_readings(fetched_at DESC);

CREATE TABLE IF NOT EXISTS report_snapshots (
	id             BIGSERIAL PRIMARY KEY,
	run_id         TEXT             NOT NULL DEFAULT '',
	overall_signal TEXT             NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	bull_count     INTEGER          NOT NULL DEFAULT 0,
	neutral_count  INTEGER          NOT NULL DEFAULT 0,
	bear_count     INTEGER          NOT NULL DEFAULT 0,
	live_count     INTEGER          NOT NULL DEFAULT 0,
	fallback_count INTEGER          NOT NULL DEFAULT 0,
	report_json    JSONB            NOT NULL,
	created_at     TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snapshots_time ON report_snapshots(created_at DESC);

CREATE TABLE IF NOT EXISTS source_health (
	id            BIGSERIAL PRIMARY KEY,
	factor_key    TEXT        NOT NULL,
	fetch_method  TEXT        NOT NULL,
	success       BOOLEAN     NOT NULL,
	latency_ms    INTEGER,
	error_message TEXT,
	attempted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_health_key_time ON source_health(factor_key, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_health_time ON source_health(attempted_at DESC);

CREATE TABLE IF NOT EXISTS cache_metadata (
	factor_key   TEXT PRIMARY KEY,
	last_value   DOUBLE PRECISION NOT NULL,
	last_source  TEXT             NOT NULL,
	fetch_method TEXT             NOT NULL,
	fetched_at   TIMESTAMPTZ      NOT NULL,
	expires_at   TIMESTAMPTZ      NOT NULL,
	updated_at   TIMESTAMPTZ      NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *PostgresStore) readingRow(r model.ReadingRecord) []any {
	at := r.FetchedAt
	if at.IsZero() {
		at = s.clock()
	}
	return []any{
		r.FactorKey, r.Value, r.Unit, string(r.Signal), r.Live,
		r.SourceName, r.SourceURL, string(r.FetchMethod), at.UTC(),
	}
}

func (s *PostgresStore) SaveReading(ctx context.Context, r model.ReadingRecord) error {
	if _, err := s.pool.Exec(ctx, pgInsertReading, s.readingRow(r)...); err != nil {
		return eris.Wrapf(err, "postgres: insert reading %s", r.FactorKey)
	}
	return nil
}

// SaveReadings bulk-loads a batch with COPY in a single transaction.
func (s *PostgresStore) SaveReadings(ctx context.Context, rs []model.ReadingRecord) (int64, error) {
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, s.readingRow(r))
	}
	n, err := db.CopyInTx(ctx, s.pool, "factor_readings", readingColumns, rows)
	return n, eris.Wrap(err, "postgres: save readings")
}

const pgReadingCols = `id, factor_key, value, unit, signal, is_live, source_name, source_url, fetch_method, fetched_at`

func (s *PostgresStore) LatestReading(ctx context.Context, key string) (*model.ReadingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgReadingCols+` FROM factor_readings
		 WHERE factor_key = $1 ORDER BY fetched_at DESC, id DESC LIMIT 1`, key)
	r, err := scanPGReading(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest reading %s", key)
	}
	return &r, nil
}

func (s *PostgresStore) LatestReadings(ctx context.Context) ([]model.ReadingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (factor_key) `+pgReadingCols+` FROM factor_readings
		 ORDER BY factor_key, fetched_at DESC, id DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest readings")
	}
	return collectPGReadings(rows)
}

func (s *PostgresStore) TimeSeries(ctx context.Context, key string, days int) ([]model.SeriesPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT value, fetched_at, is_live, fetch_method FROM factor_readings
		 WHERE factor_key = $1 AND fetched_at > $2
		 ORDER BY fetched_at ASC, id ASC`,
		key, cutoffDays(s.clock(), days))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: time series %s", key)
	}
	defer rows.Close()

	points := []model.SeriesPoint{}
	for rows.Next() {
		var (
			p      model.SeriesPoint
			method string
		)
		if err := rows.Scan(&p.Value, &p.FetchedAt, &p.Live, &method); err != nil {
			return nil, eris.Wrap(err, "postgres: scan series point")
		}
		p.FetchedAt = p.FetchedAt.UTC()
		p.FetchMethod = model.FetchMethod(method)
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "postgres: iterate series")
}

func (s *PostgresStore) CountReadings(ctx context.Context, key string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM factor_readings WHERE factor_key = $1`, key).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count readings %s", key)
}

// ReadingDates returns the UTC calendar days that already hold a reading.
func (s *PostgresStore) ReadingDates(ctx context.Context, key string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT to_char(fetched_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')
		 FROM factor_readings WHERE factor_key = $1`, key)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reading dates %s", key)
	}
	defer rows.Close()

	dates := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan date")
		}
		dates[d] = true
	}
	return dates, eris.Wrap(rows.Err(), "postgres: iterate dates")
}

func (s *PostgresStore) ReadingsSince(ctx context.Context, key string, since time.Time) ([]model.ReadingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgReadingCols+` FROM factor_readings
		 WHERE factor_key = $1 AND fetched_at >= $2
		 ORDER BY fetched_at ASC, id ASC`, key, since.UTC())
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: readings since %s", key)
	}
	return collectPGReadings(rows)
}

func (s *PostgresStore) SaveReport(ctx context.Context, snap model.ReportSnapshot) error {
	at := snap.CreatedAt
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO report_snapshots
		 (run_id, overall_signal, weighted_score, bull_count, neutral_count, bear_count,
		  live_count, fallback_count, report_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snap.RunID, string(snap.OverallSignal), snap.WeightedScore,
		snap.BullCount, snap.NeutralCount, snap.BearCount,
		snap.LiveCount, snap.FallbackCount, []byte(snap.ReportJSON), at.UTC(),
	)
	return eris.Wrap(err, "postgres: insert report snapshot")
}

func (s *PostgresStore) LatestReport(ctx context.Context) (*model.ReportSnapshot, error) {
	var (
		snap   model.ReportSnapshot
		signal string
		body   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, overall_signal, weighted_score, bull_count, neutral_count, bear_count,
		        live_count, fallback_count, report_json, created_at
		 FROM report_snapshots ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.RunID, &signal, &snap.WeightedScore,
		&snap.BullCount, &snap.NeutralCount, &snap.BearCount,
		&snap.LiveCount, &snap.FallbackCount, &body, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest report")
	}
	snap.OverallSignal = model.Signal(signal)
	snap.ReportJSON = body
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func (s *PostgresStore) SignalHistory(ctx context.Context, days int) ([]model.SignalPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT overall_signal, weighted_score, live_count, fallback_count, created_at
		 FROM report_snapshots WHERE created_at > $1
		 ORDER BY created_at ASC, id ASC`, cutoffDays(s.clock(), days))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: signal history")
	}
	defer rows.Close()

	points := []model.SignalPoint{}
	for rows.Next() {
		var (
			p      model.SignalPoint
			signal string
		)
		if err := rows.Scan(&signal, &p.WeightedScore, &p.LiveCount, &p.FallbackCount, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal point")
		}
		p.OverallSignal = model.Signal(signal)
		p.CreatedAt = p.CreatedAt.UTC()
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "postgres: iterate signal history")
}

// GetCachedValue returns the persisted value for key if it has not expired.
func (s *PostgresStore) GetCachedValue(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	e, ok, err := s.cacheEntry(ctx, key)
	if err != nil || !ok {
		return model.CacheEntry{}, false, err
	}
	if !e.ExpiresAt.After(s.clock()) {
		return model.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// GetStaleCache returns the persisted value for key regardless of expiry.
func (s *PostgresStore) GetStaleCache(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	return s.cacheEntry(ctx, key)
}

func (s *PostgresStore) cacheEntry(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	var (
		e      model.CacheEntry
		method string
	)
	err := s.pool.QueryRow(ctx, pgGetCache, key).
		Scan(&e.FactorKey, &e.Value, &e.Source, &method, &e.FetchedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, eris.Wrapf(err, "postgres: get cache %s", key)
	}
	e.FetchMethod = model.FetchMethod(method)
	e.FetchedAt = e.FetchedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	return e, true, nil
}

func (s *PostgresStore) SetCachedValue(ctx context.Context, e model.CacheEntry) error {
	_, err := s.pool.Exec(ctx, pgSetCache,
		e.FactorKey, e.Value, e.Source, string(e.FetchMethod), e.FetchedAt.UTC(), e.ExpiresAt.UTC())
	return eris.Wrapf(err, "postgres: set cache %s", e.FactorKey)
}

func (s *PostgresStore) RecordFetchAttempt(ctx context.Context, a model.FetchAttempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = s.clock()
	}
	var errMsg *string
	if a.Error != "" {
		errMsg = &a.Error
	}
	_, err := s.pool.Exec(ctx, pgRecordAttempt,
		a.FactorKey, string(a.FetchMethod), a.Success, a.Latency.Milliseconds(), errMsg, at.UTC())
	return eris.Wrapf(err, "postgres: record fetch attempt %s", a.FactorKey)
}

// HealthSummary aggregates attempts per fetch method, worst success rate first.
func (s *PostgresStore) HealthSummary(ctx context.Context, hours int) ([]model.MethodHealth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fetch_method,
		        COUNT(*)::int AS total,
		        SUM(CASE WHEN success THEN 1 ELSE 0 END)::int AS successes,
		        COALESCE(ROUND(AVG(latency_ms)), 0)::float8 AS avg_latency_ms,
		        ROUND(100.0 * SUM(CASE WHEN success THEN 1 ELSE 0 END) / COUNT(*), 1)::float8 AS success_rate
		 FROM source_health
		 WHERE attempted_at > $1
		 GROUP BY fetch_method
		 ORDER BY success_rate ASC, fetch_method ASC`,
		cutoffHours(s.clock(), hours))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: health summary")
	}
	defer rows.Close()

	out := []model.MethodHealth{}
	for rows.Next() {
		var (
			h      model.MethodHealth
			method string
		)
		if err := rows.Scan(&method, &h.Total, &h.Successes, &h.AvgLatencyMs, &h.SuccessRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan health")
		}
		h.FetchMethod = model.FetchMethod(method)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate health")
}

// Vacuum deletes rows older than keepDays. Space reclamation is left to autovacuum.
func (s *PostgresStore) Vacuum(ctx context.Context, keepDays int) (VacuumResult, error) {
	cutoff := cutoffDays(s.clock(), keepDays)
	var res VacuumResult
	for _, t := range []struct {
		query string
		n     *int64
	}{
		{`DELETE FROM factor_readings WHERE fetched_at < $1`, &res.Readings},
		{`DELETE FROM source_health WHERE attempted_at < $1`, &res.Health},
		{`DELETE FROM report_snapshots WHERE created_at < $1`, &res.Snapshots},
	} {
		tag, err := s.pool.Exec(ctx, t.query, cutoff)
		if err != nil {
			return res, eris.Wrap(err, "postgres: vacuum delete")
		}
		*t.n = tag.RowsAffected()
	}
	return res, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (model.StoreStats, error) {
	var st model.StoreStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM factor_readings)::int,
			(SELECT COUNT(*) FROM report_snapshots)::int,
			(SELECT COUNT(*) FROM source_health)::int,
			(SELECT COUNT(*) FROM cache_metadata)::int`,
	).Scan(&st.FactorReadings, &st.ReportSnapshots, &st.SourceHealth, &st.CacheMetadata)
	return st, eris.Wrap(err, "postgres: stats")
}

func scanPGReading(row scannable) (model.ReadingRecord, error) {
	var (
		r              model.ReadingRecord
		signal, method string
	)
	err := row.Scan(&r.ID, &r.FactorKey, &r.Value, &r.Unit, &signal, &r.Live,
		&r.SourceName, &r.SourceURL, &method, &r.FetchedAt)
	if err != nil {
		return model.ReadingRecord{}, err
	}
	r.Signal = model.Signal(signal)
	r.FetchMethod = model.FetchMethod(method)
	r.FetchedAt = r.FetchedAt.UTC()
	return r, nil
}

func collectPGReadings(rows pgx.Rows) ([]model.ReadingRecord, error) {
	defer rows.Close()
	out := []model.ReadingRecord{}
	for rows.Next() {
		r, err := scanPGReading(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan reading")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate readings")
}
