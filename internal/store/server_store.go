package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists for a project path.
var ErrNotFound = errors.New("store: record not found")

// ServerRecord is the durable form of one managed agent-server.
// Date fields are RFC 3339 strings; empty means unset.
type ServerRecord struct {
	ProjectPath         string `json:"projectPath"`
	PID                 int    `json:"pid"`
	Port                int    `json:"port"`
	URL                 string `json:"url"`
	Status              string `json:"status"`
	LastHealthCheck     string `json:"lastHealthCheck,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	StartedAt           string `json:"startedAt,omitempty"`
}

// ServerStore persists server records keyed by project path.
type ServerStore interface {
	List(ctx context.Context) ([]ServerRecord, error)
	Get(ctx context.Context, projectPath string) (*ServerRecord, error)
	Save(ctx context.Context, rec ServerRecord) error
	Delete(ctx context.Context, projectPath string) error
	Close() error
}
