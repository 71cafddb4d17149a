// Package sqlite persists server records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	project_path         TEXT PRIMARY KEY,
	pid                  INTEGER NOT NULL DEFAULT 0,
	port                 INTEGER NOT NULL DEFAULT 0,
	url                  TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	last_health_check    TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	started_at           TEXT NOT NULL DEFAULT ''
);`

// SQLiteServerStore implements store.ServerStore on modernc.org/sqlite.
type SQLiteServerStore struct {
	db *sql.DB
}

// NewSQLiteServerStore opens the database at path and ensures the schema exists.
func NewSQLiteServerStore(path string) (*SQLiteServerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteServerStore{db: db}, nil
}

func (s *SQLiteServerStore) List(ctx context.Context) ([]store.ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_path, pid, port, url, status, last_health_check, consecutive_failures, started_at
		 FROM servers ORDER BY project_path`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []store.ServerRecord
	for rows.Next() {
		var r store.ServerRecord
		if err := rows.Scan(&r.ProjectPath, &r.PID, &r.Port, &r.URL, &r.Status,
			&r.LastHealthCheck, &r.ConsecutiveFailures, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteServerStore) Get(ctx context.Context, projectPath string) (*store.ServerRecord, error) {
	var r store.ServerRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT project_path, pid, port, url, status, last_health_check, consecutive_failures, started_at
		 FROM servers WHERE project_path = ?`, projectPath).
		Scan(&r.ProjectPath, &r.PID, &r.Port, &r.URL, &r.Status,
			&r.LastHealthCheck, &r.ConsecutiveFailures, &r.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &r, nil
}

func (s *SQLiteServerStore) Save(ctx context.Context, r store.ServerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (project_path, pid, port, url, status, last_health_check, consecutive_failures, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_path) DO UPDATE SET
			pid = excluded.pid,
			port = excluded.port,
			url = excluded.url,
			status = excluded.status,
			last_health_check = excluded.last_health_check,
			consecutive_failures = excluded.consecutive_failures,
			started_at = excluded.started_at`,
		r.ProjectPath, r.PID, r.Port, r.URL, r.Status, r.LastHealthCheck, r.ConsecutiveFailures, r.StartedAt)
	if err != nil {
		return fmt.Errorf("save server: %w", err)
	}
	return nil
}

func (s *SQLiteServerStore) Delete(ctx context.Context, projectPath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE project_path = ?`, projectPath); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

func (s *SQLiteServerStore) Close() error { return s.db.Close() }
