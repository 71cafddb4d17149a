// Package servers tracks the agent-server process managed for each project.
package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/store"
)

// Status is the lifecycle state of a managed agent-server.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// transitions lists the allowed next states; error is reachable from anywhere.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopped},
	StatusRunning:  {StatusStopped},
	StatusStopped:  {StatusStarting},
	StatusError:    {StatusStarting, StatusStopped},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ServerInfo describes one managed agent-server.
type ServerInfo struct {
	ProjectPath         string     `json:"projectPath"`
	PID                 int        `json:"pid"`
	Port                int        `json:"port"`
	URL                 string     `json:"url"`
	Status              Status     `json:"status"`
	LastHealthCheck     *time.Time `json:"lastHealthCheck,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	StartedAt           time.Time  `json:"startedAt"`
}

// StatusChange is delivered to OnStatusChange listeners.
type StatusChange struct {
	Server         ServerInfo `json:"server"`
	PreviousStatus Status     `json:"previousStatus"`
}

const persistTimeout = 5 * time.Second

// Registry holds one ServerInfo per project path and mirrors every mutation
// to a durable store before committing it in memory.
type Registry struct {
	mu        sync.RWMutex
	servers   map[string]*ServerInfo
	store     store.ServerStore
	listeners map[int]func(StatusChange)
	nextID    int
}

// NewRegistry creates a registry and rehydrates it from st. st may be nil
// for a memory-only registry. Unreadable records are skipped with a warning.
func NewRegistry(ctx context.Context, st store.ServerStore) (*Registry, error) {
	r := &Registry{
		servers:   make(map[string]*ServerInfo),
		store:     st,
		listeners: make(map[int]func(StatusChange)),
	}
	if st == nil {
		return r, nil
	}
	records, err := st.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load server records: %w", err)
	}
	for _, rec := range records {
		info, err := fromRecord(rec)
		if err != nil {
			slog.Warn("servers.record_skipped", "project", rec.ProjectPath, "error", err)
			continue
		}
		r.servers[info.ProjectPath] = &info
	}
	if len(r.servers) > 0 {
		slog.Info("servers.rehydrated", "count", len(r.servers))
	}
	return r, nil
}

// Set inserts or replaces the entry for info.ProjectPath. A status change
// (including a brand-new entry) is announced to listeners.
func (r *Registry) Set(info ServerInfo) error {
	if info.ProjectPath == "" {
		return fmt.Errorf("server info without project path")
	}
	r.mu.Lock()
	var prev Status
	if old, ok := r.servers[info.ProjectPath]; ok {
		prev = old.Status
	}
	if err := r.persistLocked(info); err != nil {
		r.mu.Unlock()
		return err
	}
	stored := info
	r.servers[info.ProjectPath] = &stored
	r.mu.Unlock()

	if prev != info.Status {
		r.emit(StatusChange{Server: info, PreviousStatus: prev})
	}
	return nil
}

// Get returns the entry for a project path.
func (r *Registry) Get(projectPath string) (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[projectPath]
	if !ok {
		return ServerInfo{}, false
	}
	return *s, true
}

// All returns every entry ordered by project path.
func (r *Registry) All() []ServerInfo {
	r.mu.RLock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectPath < out[j].ProjectPath })
	return out
}

// UpdateStatus moves a server to status. Unchanged status is a no-op; an
// illegal transition or a persistence failure leaves the entry untouched.
func (r *Registry) UpdateStatus(projectPath string, status Status) error {
	r.mu.Lock()
	cur, ok := r.servers[projectPath]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no server registered for %s", projectPath)
	}
	if cur.Status == status {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(cur.Status, status) {
		r.mu.Unlock()
		return fmt.Errorf("illegal server transition %s → %s for %s", cur.Status, status, projectPath)
	}
	next := *cur
	prev := next.Status
	next.Status = status
	if status == StatusRunning {
		next.ConsecutiveFailures = 0
	}
	if err := r.persistLocked(next); err != nil {
		r.mu.Unlock()
		return err
	}
	*cur = next
	r.mu.Unlock()

	r.emit(StatusChange{Server: next, PreviousStatus: prev})
	return nil
}

// RecordHealth stamps a health probe result and returns the updated entry.
func (r *Registry) RecordHealth(projectPath string, healthy bool, at time.Time) (ServerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.servers[projectPath]
	if !ok {
		return ServerInfo{}, fmt.Errorf("no server registered for %s", projectPath)
	}
	next := *cur
	next.LastHealthCheck = &at
	if healthy {
		next.ConsecutiveFailures = 0
	} else {
		next.ConsecutiveFailures++
	}
	if err := r.persistLocked(next); err != nil {
		return *cur, err
	}
	*cur = next
	return next, nil
}

// Remove deletes both the in-memory and persisted entry. A record present
// only in the store (written by another instance sharing it) is removed too.
func (r *Registry) Remove(projectPath string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inMemory := r.servers[projectPath]
	if r.store == nil {
		delete(r.servers, projectPath)
		return inMemory, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if !inMemory {
		_, err := r.store.Get(ctx, projectPath)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load server record: %w", err)
		}
	}
	if err := r.store.Delete(ctx, projectPath); err != nil {
		return false, fmt.Errorf("delete server record: %w", err)
	}
	delete(r.servers, projectPath)
	return true, nil
}

// OnStatusChange subscribes fn to status changes and returns its unsubscribe func.
func (r *Registry) OnStatusChange(fn func(StatusChange)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) emit(ev StatusChange) {
	r.mu.RLock()
	fns := make([]func(StatusChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *Registry) persistLocked(info ServerInfo) error {
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.Save(ctx, toRecord(info)); err != nil {
		return fmt.Errorf("persist server record: %w", err)
	}
	return nil
}

func toRecord(s ServerInfo) store.ServerRecord {
	rec := store.ServerRecord{
		ProjectPath:         s.ProjectPath,
		PID:                 s.PID,
		Port:                s.Port,
		URL:                 s.URL,
		Status:              string(s.Status),
		ConsecutiveFailures: s.ConsecutiveFailures,
	}
	if !s.StartedAt.IsZero() {
		rec.StartedAt = s.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.LastHealthCheck != nil {
		rec.LastHealthCheck = s.LastHealthCheck.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

func fromRecord(rec store.ServerRecord) (ServerInfo, error) {
	info := ServerInfo{
		ProjectPath:         rec.ProjectPath,
		PID:                 rec.PID,
		Port:                rec.Port,
		URL:                 rec.URL,
		Status:              Status(rec.Status),
		ConsecutiveFailures: rec.ConsecutiveFailures,
	}
	switch info.Status {
	case StatusStarting, StatusRunning, StatusStopped, StatusError:
	default:
		return ServerInfo{}, fmt.Errorf("unknown status %q", rec.Status)
	}
	if rec.StartedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.StartedAt)
		if err != nil {
			return ServerInfo{}, fmt.Errorf("parse startedAt: %w", err)
		}
		info.StartedAt = t
	}
	if rec.LastHealthCheck != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.LastHealthCheck)
		if err != nil {
			return ServerInfo{}, fmt.Errorf("parse lastHealthCheck: %w", err)
		}
		info.LastHealthCheck = &t
	}
	return info, nil
}
