package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The same database backs both the embedded
// transport and the default warehouse.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bus_messages (
  msg_id        TEXT PRIMARY KEY,
  topic         TEXT NOT NULL,
  payload       JSON NOT NULL,
  status        TEXT NOT NULL,
  attempt       INTEGER NOT NULL DEFAULT 0,
  published_at  TEXT NOT NULL,
  leased_until  TEXT,
  next_retry_at TEXT,
  last_error    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS events_raw (
  msg_id       TEXT PRIMARY KEY,
  source       TEXT NOT NULL,
  event_type   TEXT NOT NULL,
  id           TEXT NOT NULL,
  metadata     JSON,
  time_created TEXT NOT NULL,
  signature    TEXT
);`,
		`CREATE TABLE IF NOT EXISTS changes (
  change_id    TEXT PRIMARY KEY,
  time_created TEXT NOT NULL,
  change_type  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS deployments (
  deploy_id    TEXT PRIMARY KEY,
  changes      JSON NOT NULL,
  time_created TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS incidents (
  incident_id   TEXT PRIMARY KEY,
  changes       JSON NOT NULL,
  time_created  TEXT NOT NULL,
  time_resolved TEXT
);`,
		`CREATE INDEX IF NOT EXISTS bus_messages_topic_status_idx ON bus_messages(topic, status, published_at);`,
		`CREATE INDEX IF NOT EXISTS events_raw_source_id_idx ON events_raw(source, id);`,
		`CREATE INDEX IF NOT EXISTS incidents_open_idx ON incidents(time_resolved) WHERE time_resolved IS NULL;`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
