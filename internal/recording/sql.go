package recording

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/devproxy/plugin"
)

// SQLReporter persists recorded entries to SQLite or Postgres.
type SQLReporter struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteReporter opens (or creates) a SQLite database at dsn.
func NewSQLiteReporter(dsn string) (*SQLReporter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "devproxy-recordings.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite recording reporter: %w", err)
	}
	r := &SQLReporter{db: db, dialect: "sqlite"}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresReporter connects to the Postgres database at dsn.
func NewPostgresReporter(dsn string) (*SQLReporter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres recording reporter: %w", err)
	}
	r := &SQLReporter{db: db, dialect: "postgres"}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLReporter) init() error {
	if err := r.db.Ping(); err != nil {
		return fmt.Errorf("ping %s recording reporter: %w", r.dialect, err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS devproxy_log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TIMESTAMP NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		method TEXT,
		url TEXT,
		command TEXT,
		plugin TEXT
	)`
	if r.dialect == "postgres" {
		ddl = `CREATE TABLE IF NOT EXISTS devproxy_log_entries (
		id BIGSERIAL PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		method TEXT,
		url TEXT,
		command TEXT,
		plugin TEXT
	)`
	}
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("create recording table: %w", err)
	}
	return nil
}

// Name identifies the reporter in logs.
func (r *SQLReporter) Name() string { return r.dialect }

// Report inserts the batch inside one transaction.
func (r *SQLReporter) Report(ctx context.Context, entries []plugin.LogEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recording flush: %w", err)
	}

	stmt := `INSERT INTO devproxy_log_entries
		(recorded_at, category, message, method, url, command, plugin)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if r.dialect == "postgres" {
		stmt = `INSERT INTO devproxy_log_entries
		(recorded_at, category, message, method, url, command, plugin)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, stmt,
			e.Timestamp, string(e.Category), e.Message, e.Method, e.URL, e.Command, e.PluginName); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert recorded entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recording flush: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLReporter) Close() error { return r.db.Close() }
