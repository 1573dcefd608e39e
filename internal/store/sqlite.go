package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/macro-swarm/internal/model"
)

// tsLayout keeps SQLite TEXT timestamps lexically ordered.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

// sqliteTime scans a TEXT timestamp written by ts.
type sqliteTime struct{ time.Time }

func (t *sqliteTime) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case time.Time:
		t.Time = v.UTC()
		return nil
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return eris.Errorf("sqlite: cannot scan %T into time", src)
	}
	parsed, err := time.Parse(tsLayout, s)
	if err != nil {
		// Rows written by hand or older tools may carry second precision.
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return eris.Wrapf(err, "sqlite: parse time %q", s)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS factor_readings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	factor_key   TEXT    NOT NULL,
	value        REAL    NOT NULL,
	unit         TEXT    NOT NULL DEFAULT '',
	signal       TEXT    NOT NULL DEFAULT 'NEUTRAL',
	is_live      INTEGER NOT NULL DEFAULT 0,
	source_name  TEXT    NOT NULL DEFAULT '',
	source_url   TEXT    NOT NULL DEFAULT '',
	fetch_method TEXT    NOT NULL DEFAULT '',
	fetched_at   TEXT    NOT NULL,
	created_at   TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_key_time ON factor_readings(factor_key, fetched_at DESC);
CREATE INDEX IF NOT EXISTS idx_readings_time ON factor_readings(fetched_at DESC);

CREATE TABLE IF NOT EXISTS report_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT    NOT NULL DEFAULT '',
	overall_signal TEXT    NOT NULL,
	weighted_score REAL    NOT NULL,
	bull_count     INTEGER NOT NULL DEFAULT 0,
	neutral_count  INTEGER NOT NULL DEFAULT 0,
	bear_count     INTEGER NOT NULL DEFAULT 0,
	live_count     INTEGER NOT NULL DEFAULT 0,
	fallback_count INTEGER NOT NULL DEFAULT 0,
	report_json    TEXT    NOT NULL,
	created_at     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_time ON report_snapshots(created_at DESC);

CREATE TABLE IF NOT EXISTS source_health (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	factor_key    TEXT    NOT NULL,
	fetch_method  TEXT    NOT NULL,
	success       INTEGER NOT NULL,
	latency_ms    INTEGER,
	error_message TEXT,
	attempted_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_health_key_time ON source_health(factor_key, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_health_time ON source_health(attempted_at DESC);

CREATE TABLE IF NOT EXISTS cache_metadata (
	factor_key   TEXT PRIMARY KEY,
	last_value   REAL NOT NULL,
	last_source  TEXT NOT NULL,
	fetch_method TEXT NOT NULL,
	fetched_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInsertReading = `INSERT INTO factor_readings
	(factor_key, value, unit, signal, is_live, source_name, source_url, fetch_method, fetched_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) readingArgs(r model.ReadingRecord) []any {
	at := r.FetchedAt
	if at.IsZero() {
		at = s.now()
	}
	return []any{
		r.FactorKey, r.Value, r.Unit, string(r.Signal), r.Live,
		r.SourceName, r.SourceURL, string(r.FetchMethod), ts(at), ts(s.now()),
	}
}

func (s *SQLiteStore) SaveReading(ctx context.Context, r model.ReadingRecord) error {
	if _, err := s.db.ExecContext(ctx, sqliteInsertReading, s.readingArgs(r)...); err != nil {
		return eris.Wrapf(err, "sqlite: insert reading %s", r.FactorKey)
	}
	return nil
}

// SaveReadings inserts a batch in one transaction.
func (s *SQLiteStore) SaveReadings(ctx context.Context, rs []model.ReadingRecord) (int64, error) {
	if len(rs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertReading)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert reading")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rs {
		if _, err := stmt.ExecContext(ctx, s.readingArgs(r)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert reading %s", r.FactorKey)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit readings")
	}
	return int64(len(rs)), nil
}

const sqliteReadingCols = `id, factor_key, value, unit, signal, is_live, source_name, source_url, fetch_method, fetched_at`

func (s *SQLiteStore) LatestReading(ctx context.Context, key string) (*model.ReadingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReadingCols+` FROM factor_readings
		 WHERE factor_key = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, key)
	r, err := scanSQLiteReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest reading %s", key)
	}
	return &r, nil
}

func (s *SQLiteStore) LatestReadings(ctx context.Context) ([]model.ReadingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReadingCols+` FROM factor_readings r
		 WHERE id = (
			SELECT id FROM factor_readings
			WHERE factor_key = r.factor_key
			ORDER BY fetched_at DESC, id DESC LIMIT 1
		 )
		 ORDER BY factor_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest readings")
	}
	return collectSQLiteReadings(rows)
}

func (s *SQLiteStore) TimeSeries(ctx context.Context, key string, days int) ([]model.SeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, fetched_at, is_live, fetch_method FROM factor_readings
		 WHERE factor_key = ? AND fetched_at > ?
		 ORDER BY fetched_at ASC, id ASC`,
		key, ts(cutoffDays(s.now(), days)))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: time series %s", key)
	}
	defer rows.Close() //nolint:errcheck

	points := []model.SeriesPoint{}
	for rows.Next() {
		var (
			p      model.SeriesPoint
			at     sqliteTime
			method string
		)
		if err := rows.Scan(&p.Value, &at, &p.Live, &method); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan series point")
		}
		p.FetchedAt = at.Time
		p.FetchMethod = model.FetchMethod(method)
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "sqlite: iterate series")
}

func (s *SQLiteStore) CountReadings(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM factor_readings WHERE factor_key = ?`, key).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count readings %s", key)
}

// ReadingDates returns the UTC calendar days that already hold a reading.
func (s *SQLiteStore) ReadingDates(ctx context.Context, key string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT substr(fetched_at, 1, 10) FROM factor_readings WHERE factor_key = ?`, key)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reading dates %s", key)
	}
	defer rows.Close() //nolint:errcheck

	dates := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan date")
		}
		dates[d] = true
	}
	return dates, eris.Wrap(rows.Err(), "sqlite: iterate dates")
}

func (s *SQLiteStore) ReadingsSince(ctx context.Context, key string, since time.Time) ([]model.ReadingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReadingCols+` FROM factor_readings
		 WHERE factor_key = ? AND fetched_at >= ?
		 ORDER BY fetched_at ASC, id ASC`, key, ts(since))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: readings since %s", key)
	}
	return collectSQLiteReadings(rows)
}

func (s *SQLiteStore) SaveReport(ctx context.Context, snap model.ReportSnapshot) error {
	at := snap.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_snapshots
		 (run_id, overall_signal, weighted_score, bull_count, neutral_count, bear_count,
		  live_count, fallback_count, report_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, string(snap.OverallSignal), snap.WeightedScore,
		snap.BullCount, snap.NeutralCount, snap.BearCount,
		snap.LiveCount, snap.FallbackCount, string(snap.ReportJSON), ts(at),
	)
	return eris.Wrap(err, "sqlite: insert report snapshot")
}

func (s *SQLiteStore) LatestReport(ctx context.Context) (*model.ReportSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, overall_signal, weighted_score, bull_count, neutral_count, bear_count,
		        live_count, fallback_count, report_json, created_at
		 FROM report_snapshots ORDER BY created_at DESC, id DESC LIMIT 1`)

	var (
		snap   model.ReportSnapshot
		signal string
		body   string
		at     sqliteTime
	)
	err := row.Scan(&snap.ID, &snap.RunID, &signal, &snap.WeightedScore,
		&snap.BullCount, &snap.NeutralCount, &snap.BearCount,
		&snap.LiveCount, &snap.FallbackCount, &body, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest report")
	}
	snap.OverallSignal = model.Signal(signal)
	snap.ReportJSON = json.RawMessage(body)
	snap.CreatedAt = at.Time
	return &snap, nil
}

func (s *SQLiteStore) SignalHistory(ctx context.Context, days int) ([]model.SignalPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT overall_signal, weighted_score, live_count, fallback_count, created_at
		 FROM report_snapshots WHERE created_at > ?
		 ORDER BY created_at ASC, id ASC`, ts(cutoffDays(s.now(), days)))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: signal history")
	}
	defer rows.Close() //nolint:errcheck

	points := []model.SignalPoint{}
	for rows.Next() {
		var (
			p      model.SignalPoint
			signal string
			at     sqliteTime
		)
		if err := rows.Scan(&signal, &p.WeightedScore, &p.LiveCount, &p.FallbackCount, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal point")
		}
		p.OverallSignal = model.Signal(signal)
		p.CreatedAt = at.Time
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "sqlite: iterate signal history")
}

// GetCachedValue returns the persisted value for key if it has not expired.
func (s *SQLiteStore) GetCachedValue(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	e, ok, err := s.cacheEntry(ctx, key)
	if err != nil || !ok {
		return model.CacheEntry{}, false, err
	}
	if !e.ExpiresAt.After(s.now()) {
		return model.CacheEntry{}, false, nil
	}
	return e, true, nil
}

// GetStaleCache returns the persisted value for key regardless of expiry.
func (s *SQLiteStore) GetStaleCache(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	return s.cacheEntry(ctx, key)
}

func (s *SQLiteStore) cacheEntry(ctx context.Context, key string) (model.CacheEntry, bool, error) {
	var (
		e              model.CacheEntry
		method         string
		fetched, until sqliteTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT factor_key, last_value, last_source, fetch_method, fetched_at, expires_at
		 FROM cache_metadata WHERE factor_key = ?`, key,
	).Scan(&e.FactorKey, &e.Value, &e.Source, &method, &fetched, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, eris.Wrapf(err, "sqlite: get cache %s", key)
	}
	e.FetchMethod = model.FetchMethod(method)
	e.FetchedAt = fetched.Time
	e.ExpiresAt = until.Time
	return e, true, nil
}

func (s *SQLiteStore) SetCachedValue(ctx context.Context, e model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_metadata
		 (factor_key, last_value, last_source, fetch_method, fetched_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(factor_key) DO UPDATE SET
			last_value = excluded.last_value,
			last_source = excluded.last_source,
			fetch_method = excluded.fetch_method,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		e.FactorKey, e.Value, e.Source, string(e.FetchMethod),
		ts(e.FetchedAt), ts(e.ExpiresAt), ts(s.now()),
	)
	return eris.Wrapf(err, "sqlite: set cache %s", e.FactorKey)
}

func (s *SQLiteStore) RecordFetchAttempt(ctx context.Context, a model.FetchAttempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = s.now()
	}
	var errMsg any
	if a.Error != "" {
		errMsg = a.Error
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_health (factor_key, fetch_method, success, latency_ms, error_message, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.FactorKey, string(a.FetchMethod), a.Success, a.Latency.Milliseconds(), errMsg, ts(at),
	)
	return eris.Wrapf(err, "sqlite: record fetch attempt %s", a.FactorKey)
}

// HealthSummary aggregates attempts per fetch method, worst success rate first.
func (s *SQLiteStore) HealthSummary(ctx context.Context, hours int) ([]model.MethodHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fetch_method,
		        COUNT(*) AS total,
		        SUM(success) AS successes,
		        COALESCE(ROUND(AVG(latency_ms)), 0) AS avg_latency_ms,
		        ROUND(100.0 * SUM(success) / COUNT(*), 1) AS success_rate
		 FROM source_health
		 WHERE attempted_at > ?
		 GROUP BY fetch_method
		 ORDER BY success_rate ASC, fetch_method ASC`,
		ts(cutoffHours(s.now(), hours)))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: health summary")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.MethodHealth{}
	for rows.Next() {
		var (
			h      model.MethodHealth
			method string
		)
		if err := rows.Scan(&method, &h.Total, &h.Successes, &h.AvgLatencyMs, &h.SuccessRate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan health")
		}
		h.FetchMethod = model.FetchMethod(method)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate health")
}

// Vacuum deletes rows older than keepDays and compacts the file.
func (s *SQLiteStore) Vacuum(ctx context.Context, keepDays int) (VacuumResult, error) {
	cutoff := ts(cutoffDays(s.now(), keepDays))
	var res VacuumResult
	for _, t := range []struct {
		query string
		n     *int64
	}{
		{`DELETE FROM factor_readings WHERE fetched_at < ?`, &res.Readings},
		{`DELETE FROM source_health WHERE attempted_at < ?`, &res.Health},
		{`DELETE FROM report_snapshots WHERE created_at < ?`, &res.Snapshots},
	} {
		r, err := s.db.ExecContext(ctx, t.query, cutoff)
		if err != nil {
			return res, eris.Wrap(err, "sqlite: vacuum delete")
		}
		*t.n, _ = r.RowsAffected()
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return res, eris.Wrap(err, "sqlite: vacuum")
	}
	return res, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (model.StoreStats, error) {
	var st model.StoreStats
	for _, t := range []struct {
		table string
		n     *int
	}{
		{"factor_readings", &st.FactorReadings},
		{"report_snapshots", &st.ReportSnapshots},
		{"source_health", &st.SourceHealth},
		{"cache_metadata", &st.CacheMetadata},
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.table).Scan(t.n); err != nil {
			return st, eris.Wrapf(err, "sqlite: count %s", t.table)
		}
	}
	return st, nil
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteReading(row scannable) (model.ReadingRecord, error) {
	var (
		r              model.ReadingRecord
		signal, method string
		at             sqliteTime
	)
	err := row.Scan(&r.ID, &r.FactorKey, &r.Value, &r.Unit, &signal, &r.Live,
		&r.SourceName, &r.SourceURL, &method, &at)
	if err != nil {
		return model.ReadingRecord{}, err
	}
	r.Signal = model.Signal(signal)
	r.FetchMethod = model.FetchMethod(method)
	r.FetchedAt = at.Time
	return r, nil
}

func collectSQLiteReadings(rows *sql.Rows) ([]model.ReadingRecord, error) {
	defer rows.Close() //nolint:errcheck
	out := []model.ReadingRecord{}
	for rows.Next() {
		r, err := scanSQLiteReading(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reading")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate readings")
}
