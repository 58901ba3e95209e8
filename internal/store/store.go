// Package store opens the embedded SQLite database the queue is built on,
// applying the pragma sequence the single-writer claim protocol requires.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type config struct {
	busyTimeoutMS int
	synchronous   string
	foreignKeys   bool
	mkdirAll      bool
	ping          bool
}

func defaults() config {
	return config{
		busyTimeoutMS: 5000,
		synchronous:   "NORMAL",
		foreignKeys:   true,
		mkdirAll:      true,
		ping:          true,
	}
}

// Option customizes Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 5000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeoutMS = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// Open opens the job store at path, creating parent directories as needed,
// and applies the pragma sequence the claim protocol assumes: a single
// writer connection, WAL journaling, and a busy timeout long enough to
// absorb lock contention between concurrent workers rather than failing
// with SQLITE_BUSY.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB, cfg *config) error {
	fk := "ON"
	if !cfg.foreignKeys {
		fk = "OFF"
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA foreign_keys = %s", fk),
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeoutMS),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	result TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// migrate creates the jobs table if missing, then additively backfills
// columns added after the table's original shape. Each ALTER is guarded
// against "duplicate column" so migrate is safe to run on every Open.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	columns := []string{
		"ALTER TABLE jobs ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE jobs ADD COLUMN next_run_at TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE jobs ADD COLUMN priority INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE jobs ADD COLUMN last_error TEXT",
	}
	for _, stmt := range columns {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("store: migrate: %s: %w", stmt, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs(status, next_run_at, priority DESC, created_at)",
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %s: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
