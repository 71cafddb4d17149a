// Package projects keeps the in-memory catalog of managed projects.
//
// Projects are identified by the slug of their directory name. The registry
// is populated by discovery and notifies listeners on every change.
package projects

import (
	"sort"
	"strings"
	"sync"
)

// State is the lifecycle state of a project as seen by the control plane.
type State string

const (
	StateDiscovered State = "discovered"
	StateActive     State = "active"
	StateInactive   State = "inactive"
)

// Project describes one managed project directory.
type Project struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Path          string   `json:"absolutePath"`
	DetectedFiles []string `json:"detectedFiles,omitempty"`
	State         State    `json:"state"`
}

// ChangeKind distinguishes registry change events.
type ChangeKind string

const (
	ChangeAdded        ChangeKind = "added"
	ChangeRemoved      ChangeKind = "removed"
	ChangeStateChanged ChangeKind = "state_changed"
)

// ChangeEvent is delivered to OnChange listeners.
type ChangeEvent struct {
	Kind          ChangeKind `json:"kind"`
	Project       Project    `json:"project"`
	PreviousState State      `json:"previousState,omitempty"`
}

// minQueryLen guards FindByName against one-letter queries matching everything.
const minQueryLen = 2

// Registry is the project catalog. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	projects  map[string]*Project
	listeners map[int]func(ChangeEvent)
	nextID    int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		projects:  make(map[string]*Project),
		listeners: make(map[int]func(ChangeEvent)),
	}
}

// Register adds or replaces a project. An added event fires only on first registration.
func (r *Registry) Register(p Project) {
	if p.State == "" {
		p.State = StateDiscovered
	}
	r.mu.Lock()
	_, existed := r.projects[p.ID]
	stored := p
	r.projects[p.ID] = &stored
	r.mu.Unlock()

	if !existed {
		r.emit(ChangeEvent{Kind: ChangeAdded, Project: p})
	}
}

// Unregister removes a project. A removed event fires only if it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	p, ok := r.projects[id]
	if ok {
		delete(r.projects, id)
	}
	r.mu.Unlock()

	if ok {
		r.emit(ChangeEvent{Kind: ChangeRemoved, Project: *p})
	}
	return ok
}

// All returns every project sorted by name.
func (r *Registry) All() []Project {
	r.mu.RLock()
	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, clone(p))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the project with the given id.
func (r *Registry) Get(id string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return Project{}, false
	}
	return clone(p), true
}

// GetByPath returns the project rooted at path.
func (r *Registry) GetByPath(path string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Path == path {
			return clone(p), true
		}
	}
	return Project{}, false
}

// UpdateState changes a project's state and emits a state-changed event
// carrying the previous state. Unknown ids and unchanged states are no-ops.
func (r *Registry) UpdateState(id string, state State) bool {
	r.mu.Lock()
	p, ok := r.projects[id]
	if !ok || p.State == state {
		r.mu.Unlock()
		return false
	}
	prev := p.State
	p.State = state
	snapshot := clone(p)
	r.mu.Unlock()

	r.emit(ChangeEvent{Kind: ChangeStateChanged, Project: snapshot, PreviousState: prev})
	return true
}

// FindByName resolves a free-form project reference.
//
// Match order, first hit wins: exact name or id, case-insensitive equality,
// case-insensitive prefix, case-insensitive substring. Queries shorter than
// two characters never match.
func (r *Registry) FindByName(query string) (Project, bool) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minQueryLen {
		return Project{}, false
	}

	all := r.All()
	for _, p := range all {
		if p.Name == query || p.ID == query {
			return p, true
		}
	}

	q := strings.ToLower(query)
	for _, p := range all {
		if strings.ToLower(p.Name) == q || strings.ToLower(p.ID) == q {
			return p, true
		}
	}
	for _, p := range all {
		if strings.HasPrefix(strings.ToLower(p.Name), q) || strings.HasPrefix(strings.ToLower(p.ID), q) {
			return p, true
		}
	}
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.ID), q) {
			return p, true
		}
	}
	return Project{}, false
}

// Len returns the number of registered projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

// OnChange subscribes fn to registry changes and returns its unsubscribe func.
func (r *Registry) OnChange(fn func(ChangeEvent)) func() {
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

func (r *Registry) emit(ev ChangeEvent) {
	r.mu.RLock()
	fns := make([]func(ChangeEvent), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func clone(p *Project) Project {
	c := *p
	if p.DetectedFiles != nil {
		c.DetectedFiles = append([]string(nil), p.DetectedFiles...)
	}
	return c
}
