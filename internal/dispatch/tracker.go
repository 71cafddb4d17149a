package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Status is the lifecycle state of one dispatch.
type Status string

const (
	StatusPending   Status = protocol.DispatchPending
	StatusSent      Status = protocol.DispatchSent
	StatusCompleted Status = protocol.DispatchCompleted
	StatusFailed    Status = protocol.DispatchFailed
	StatusCancelled Status = protocol.DispatchCancelled
)

// Record is one message delivered (or being delivered) to a project session.
type Record struct {
	ID           string     `json:"id"`
	ProjectPath  string     `json:"projectPath"`
	ProjectName  string     `json:"projectName"`
	SessionID    string     `json:"sessionId,omitempty"`
	Message      string     `json:"message"`
	Status       Status     `json:"status"`
	DispatchedAt time.Time  `json:"dispatchedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	Result       string     `json:"result,omitempty"`
}

// Active reports whether the dispatch is still in flight.
func (r Record) Active() bool {
	return r.Status == StatusPending || r.Status == StatusSent
}

const defaultHistoryLimit = 200

// Tracker holds in-flight dispatches per project plus a bounded history of
// finished ones.
type Tracker struct {
	mu           sync.Mutex
	active       map[string]*Record
	history      []Record
	historyLimit int
	listeners    map[int]func(Record)
	nextID       int
	now          func() time.Time
}

// NewTracker creates a tracker keeping at most historyLimit finished records.
func NewTracker(historyLimit int) *Tracker {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Tracker{
		active:       make(map[string]*Record),
		historyLimit: historyLimit,
		listeners:    make(map[int]func(Record)),
		now:          time.Now,
	}
}

// Record starts tracking rec as pending.
func (t *Tracker) Record(rec Record) {
	t.mu.Lock()
	stored := t.prepare(rec)
	t.mu.Unlock()
	t.emit(stored)
}

// TryRecord records rec only if the project has fewer than limit active
// dispatches. The check and the insert happen under one lock.
func (t *Tracker) TryRecord(rec Record, limit int) bool {
	t.mu.Lock()
	if limit > 0 && t.activeCountLocked(rec.ProjectPath) >= limit {
		t.mu.Unlock()
		return false
	}
	stored := t.prepare(rec)
	t.mu.Unlock()
	t.emit(stored)
	return true
}

func (t *Tracker) prepare(rec Record) Record {
	rec.Status = StatusPending
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = t.now()
	}
	r := rec
	t.active[rec.ID] = &r
	return r
}

// ActiveCount returns the number of in-flight dispatches for a project.
func (t *Tracker) ActiveCount(projectPath string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeCountLocked(projectPath)
}

func (t *Tracker) activeCountLocked(projectPath string) int {
	n := 0
	for _, r := range t.active {
		if r.ProjectPath == projectPath {
			n++
		}
	}
	return n
}

// Active returns the in-flight dispatches for a project, oldest first.
// An empty projectPath returns every in-flight dispatch.
func (t *Tracker) Active(projectPath string) []Record {
	t.mu.Lock()
	out := make([]Record, 0)
	for _, r := range t.active {
		if projectPath == "" || r.ProjectPath == projectPath {
			out = append(out, *r)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(out[j].DispatchedAt) })
	return out
}

// FindActiveBySession returns the oldest in-flight dispatch bound to sessionID.
func (t *Tracker) FindActiveBySession(projectPath, sessionID string) (Record, bool) {
	for _, r := range t.Active(projectPath) {
		if r.SessionID == sessionID {
			return r, true
		}
	}
	return Record{}, false
}

// Get returns an active or historical record by id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.active[id]; ok {
		return *r, true
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == id {
			return t.history[i], true
		}
	}
	return Record{}, false
}

// History returns finished records, most recent last.
func (t *Tracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}

// SetSession binds an in-flight dispatch to a session.
func (t *Tracker) SetSession(id, sessionID string) bool {
	return t.update(id, func(r *Record) { r.SessionID = sessionID })
}

// MarkSent records that the message reached the agent-server.
func (t *Tracker) MarkSent(id string) bool {
	return t.update(id, func(r *Record) { r.Status = StatusSent })
}

// MarkCompleted finishes a dispatch with the agent's response.
func (t *Tracker) MarkCompleted(id, result string) bool {
	return t.finish(id, StatusCompleted, func(r *Record) { r.Result = result })
}

// MarkFailed finishes a dispatch with an error message.
func (t *Tracker) MarkFailed(id, errMsg string) bool {
	return t.finish(id, StatusFailed, func(r *Record) { r.Error = errMsg })
}

// Cancel stops tracking an in-flight dispatch. Unknown or finished ids are ignored.
func (t *Tracker) Cancel(id string) bool {
	return t.finish(id, StatusCancelled, nil)
}

// OnUpdate subscribes fn to every record change and returns its unsubscribe func.
func (t *Tracker) OnUpdate(fn func(Record)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) update(id string, fn func(*Record)) bool {
	t.mu.Lock()
	r, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	fn(r)
	snapshot := *r
	t.mu.Unlock()
	t.emit(snapshot)
	return true
}

func (t *Tracker) finish(id string, status Status, fn func(*Record)) bool {
	t.mu.Lock()
	r, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.active, id)
	if fn != nil {
		fn(r)
	}
	now := t.now()
	r.Status = status
	r.CompletedAt = &now
	t.history = append(t.history, *r)
	if over := len(t.history) - t.historyLimit; over > 0 {
		t.history = append([]Record(nil), t.history[over:]...)
	}
	snapshot := *r
	t.mu.Unlock()
	t.emit(snapshot)
	return true
}

func (t *Tracker) emit(r Record) {
	t.mu.Lock()
	fns := make([]func(Record), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}
