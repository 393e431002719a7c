package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/RobinCoderZhao/news-digest/pkg/storage"
)

// sqliteSchema keeps the column names of older digest databases so an
// existing history file can be opened in place.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS digest_runs (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id               TEXT,
    run_at               DATETIME DEFAULT CURRENT_TIMESTAMP,
    articles_fetched     INTEGER DEFAULT 0,
    narratives_presented INTEGER DEFAULT 0,
    sources_failed       INTEGER DEFAULT 0,
    partial              INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS shown_narratives (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    headline TEXT NOT NULL,
    tier     TEXT,
    cluster  TEXT,
    shown_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS source_health (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id  TEXT NOT NULL,
    run_at     DATETIME NOT NULL,
    status     TEXT NOT NULL,
    error_kind TEXT,
    attempts   INTEGER DEFAULT 0,
    articles   INTEGER DEFAULT 0
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS digest_runs (
    id                   BIGSERIAL PRIMARY KEY,
    run_id               TEXT,
    run_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    articles_fetched     INTEGER DEFAULT 0,
    narratives_presented INTEGER DEFAULT 0,
    sources_failed       INTEGER DEFAULT 0,
    partial              BOOLEAN DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS shown_narratives (
    id       BIGSERIAL PRIMARY KEY,
    headline TEXT NOT NULL,
    tier     TEXT,
    cluster  TEXT,
    shown_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS source_health (
    id         BIGSERIAL PRIMARY KEY,
    source_id  TEXT NOT NULL,
    run_at     TIMESTAMPTZ NOT NULL,
    status     TEXT NOT NULL,
    error_kind TEXT,
    attempts   INTEGER DEFAULT 0,
    articles   INTEGER DEFAULT 0
);
`

const indexSchema = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_digest_runs_run_at ON digest_runs(run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_shown_narratives_headline_at ON shown_narratives(headline, shown_at);
CREATE INDEX IF NOT EXISTS idx_shown_narratives_date ON shown_narratives(shown_at);
CREATE INDEX IF NOT EXISTS idx_source_health_source ON source_health(source_id, run_at);
`

// columns added after the first schema; older files get them on open.
var sqliteMigrations = []struct{ table, column, ddl string }{
	{"digest_runs", "run_id", "TEXT"},
	{"digest_runs", "narratives_presented", "INTEGER DEFAULT 0"},
	{"digest_runs", "sources_failed", "INTEGER DEFAULT 0"},
	{"digest_runs", "partial", "INTEGER DEFAULT 0"},
	{"shown_narratives", "cluster", "TEXT"},
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db *storage.DB
}

// Open connects to the configured database and prepares the schema.
func Open(ctx context.Context, cfg storage.Config) (*SQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates it.
func New(ctx context.Context, db *storage.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if s.db.DriverType() == storage.Postgres {
		if err := s.db.Migrate(ctx, postgresSchema); err != nil {
			return err
		}
		return s.db.Migrate(ctx, indexSchema)
	}

	if err := s.db.Migrate(ctx, sqliteSchema); err != nil {
		return err
	}
	for _, m := range sqliteMigrations {
		cols, err := s.columns(ctx, m.table)
		if err != nil {
			return err
		}
		if cols[m.column] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return s.db.Migrate(ctx, indexSchema)
}

func (s *SQLStore) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid      int
			name     string
			ctype    string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HeadlinesWithin returns headlines shown in (w.Start, w.End], newest first.
func (s *SQLStore) HeadlinesWithin(ctx context.Context, w Window) ([]ShownHeadline, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT headline, COALESCE(tier, ''), COALESCE(cluster, ''), shown_at
		FROM shown_narratives
		WHERE shown_at > ? AND shown_at <= ?
		ORDER BY shown_at DESC, id ASC
	`), s.timeArg(w.Start), s.timeArg(w.End))
	if err != nil {
		return nil, &PersistenceError{Op: "read headlines", Err: err}
	}
	defer rows.Close()

	var out []ShownHeadline
	for rows.Next() {
		var (
			h       ShownHeadline
			tier    string
			shownAt dbTime
		)
		if err := rows.Scan(&h.Headline, &tier, &h.Cluster, &shownAt); err != nil {
			return nil, &PersistenceError{Op: "read headlines", Err: err}
		}
		h.Tier = Tier(tier)
		h.ShownAt = shownAt.Time
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read headlines", Err: err}
	}
	return out, nil
}

// RecordRun inserts the run row and every shown headline in one transaction.
// A second call for the same RunAt returns ErrRunExists and writes nothing.
func (s *SQLStore) RecordRun(ctx context.Context, run DigestRun, shown []ShownHeadline) error {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM digest_runs WHERE run_at = ?`),
			s.timeArg(run.RunAt)).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrRunExists
		}

		_, err = tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO digest_runs (run_id, run_at, articles_fetched, narratives_presented, sources_failed, partial)
			VALUES (?, ?, ?, ?, ?, ?)
		`), run.RunID, s.timeArg(run.RunAt), run.ArticlesFetched, run.NarrativesPresented, run.SourcesFailed, run.Partial)
		if err != nil {
			return err
		}

		if len(shown) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
			INSERT INTO shown_narratives (headline, tier, cluster, shown_at) VALUES (?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, h := range shown {
			var cluster any
			if h.Cluster != "" {
				cluster = h.Cluster
			}
			if _, err := stmt.ExecContext(ctx, h.Headline, string(h.Tier), cluster, s.timeArg(h.ShownAt)); err != nil {
				return fmt.Errorf("insert headline %q: %w", h.Headline, err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunExists):
		return err
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrRunExists, err)
	default:
		return &PersistenceError{Op: "record run", Err: err}
	}
}

// LastRun returns the most recent run or nil when the history is empty.
func (s *SQLStore) LastRun(ctx context.Context) (*DigestRun, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Runs returns up to limit runs, newest first.
func (s *SQLStore) Runs(ctx context.Context, limit int) ([]DigestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT COALESCE(run_id, ''), run_at, COALESCE(articles_fetched, 0),
		       COALESCE(narratives_presented, 0), COALESCE(sources_failed, 0), COALESCE(partial, `+s.falseLiteral()+`)
		FROM digest_runs
		WHERE run_at IS NOT NULL
		ORDER BY run_at DESC, id DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "read runs", Err: err}
	}
	defer rows.Close()

	var out []DigestRun
	for rows.Next() {
		var (
			r     DigestRun
			runAt dbTime
		)
		if err := rows.Scan(&r.RunID, &runAt, &r.ArticlesFetched, &r.NarrativesPresented, &r.SourcesFailed, &r.Partial); err != nil {
			return nil, &PersistenceError{Op: "read runs", Err: err}
		}
		r.RunAt = runAt.Time
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read runs", Err: err}
	}
	return out, nil
}

func (s *SQLStore) LastFetched(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT h.source_id, MAX(h.run_at)
		FROM source_health h
		JOIN digest_runs r ON r.run_at = h.run_at
		WHERE h.status = ?
		GROUP BY h.source_id
	`), HealthOK)
	if err != nil {
		return nil, &PersistenceError{Op: "read last fetched", Err: err}
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id    string
			runAt dbTime
		)
		if err := rows.Scan(&id, &runAt); err != nil {
			return nil, &PersistenceError{Op: "read last fetched", Err: err}
		}
		out[id] = runAt.Time
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read last fetched", Err: err}
	}
	return out, nil
}

// RecordSourceHealth appends one row per source outcome.
func (s *SQLStore) RecordSourceHealth(ctx context.Context, rows []SourceHealth) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
			INSERT INTO source_health (source_id, run_at, status, error_kind, attempts, articles)
			VALUES (?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, h := range rows {
			var kind any
			if h.ErrorKind != "" {
				kind = h.ErrorKind
			}
			if _, err := stmt.ExecContext(ctx, h.SourceID, s.timeArg(h.RunAt), h.Status, kind, h.Attempts, h.Articles); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "record source health", Err: err}
	}
	return nil
}

// SourceHealthSince returns health rows recorded after since, newest first.
func (s *SQLStore) SourceHealthSince(ctx context.Context, since time.Time) ([]SourceHealth, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT source_id, run_at, status, COALESCE(error_kind, ''), COALESCE(attempts, 0), COALESCE(articles, 0)
		FROM source_health
		WHERE run_at > ?
		ORDER BY run_at DESC, source_id ASC
	`), s.timeArg(since))
	if err != nil {
		return nil, &PersistenceError{Op: "read source health", Err: err}
	}
	defer rows.Close()

	var out []SourceHealth
	for rows.Next() {
		var (
			h     SourceHealth
			runAt dbTime
		)
		if err := rows.Scan(&h.SourceID, &runAt, &h.Status, &h.ErrorKind, &h.Attempts, &h.Articles); err != nil {
			return nil, &PersistenceError{Op: "read source health", Err: err}
		}
		h.RunAt = runAt.Time
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read source health", Err: err}
	}
	return out, nil
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.db.DriverType() == storage.Postgres {
		return t.UTC()
	}
	return formatTime(t)
}

func (s *SQLStore) falseLiteral() string {
	if s.db.DriverType() == storage.Postgres {
		return "FALSE"
	}
	return "0"
}

func isUniqueViolation(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// dbTime scans timestamps stored either as native times or as text.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		parsed, err := parseTime(v)
		if err != nil {
			return err
		}
		t.Time = parsed
	case []byte:
		parsed, err := parseTime(string(v))
		if err != nil {
			return err
		}
		t.Time = parsed
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}
