package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// PGServerStore implements store.ServerStore backed by Postgres.
// Timestamps are stored as timestamptz and converted to RFC 3339 at the boundary.
type PGServerStore struct {
	db *sql.DB
}

func NewPGServerStore(db *sql.DB) *PGServerStore {
	return &PGServerStore{db: db}
}

const serverColumns = `project_path, pid, port, url, status, last_health_check, consecutive_failures, started_at`

func (s *PGServerStore) List(ctx context.Context) ([]store.ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM agent_servers ORDER BY project_path`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []store.ServerRecord
	for rows.Next() {
		r, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGServerStore) Get(ctx context.Context, projectPath string) (*store.ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM agent_servers WHERE project_path = $1`, projectPath)
	r, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *PGServerStore) Save(ctx context.Context, r store.ServerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_servers (`+serverColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (project_path) DO UPDATE SET
			pid = EXCLUDED.pid,
			port = EXCLUDED.port,
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			last_health_check = EXCLUDED.last_health_check,
			consecutive_failures = EXCLUDED.consecutive_failures,
			started_at = EXCLUDED.started_at,
			updated_at = NOW()`,
		r.ProjectPath, r.PID, r.Port, r.URL, r.Status,
		parseTimestamp(r.LastHealthCheck), r.ConsecutiveFailures, parseTimestamp(r.StartedAt))
	if err != nil {
		return fmt.Errorf("save server: %w", err)
	}
	return nil
}

func (s *PGServerStore) Delete(ctx context.Context, projectPath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_servers WHERE project_path = $1`, projectPath); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

func (s *PGServerStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*store.ServerRecord, error) {
	var (
		r         store.ServerRecord
		lastCheck sql.NullTime
		startedAt sql.NullTime
	)
	if err := row.Scan(&r.ProjectPath, &r.PID, &r.Port, &r.URL, &r.Status,
		&lastCheck, &r.ConsecutiveFailures, &startedAt); err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		r.LastHealthCheck = lastCheck.Time.UTC().Format(time.RFC3339Nano)
	}
	if startedAt.Valid {
		r.StartedAt = startedAt.Time.UTC().Format(time.RFC3339Nano)
	}
	return &r, nil
}

// parseTimestamp maps an RFC 3339 string to a nullable timestamp parameter.
func parseTimestamp(s string) sql.NullTime {
	if s == "" {
		return sql.NullTime{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
