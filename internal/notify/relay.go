// Package notify correlates agent-server stream events with tracked
// dispatches and turns completed responses into notifications.
package notify

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/events"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Notification announces that a dispatched message has a response.
type Notification struct {
	ProjectName           string    `json:"projectName"`
	ProjectPath           string    `json:"projectPath"`
	SessionID             string    `json:"sessionId"`
	SessionTitle          string    `json:"sessionTitle,omitempty"`
	DispatchID            string    `json:"dispatchId"`
	Summary               string    `json:"summary"`
	FullResponseAvailable bool      `json:"fullResponseAvailable"`
	Timestamp             time.Time `json:"timestamp"`
}

// EventSource is what the relay listens to.
type EventSource interface {
	OnEvent(fn events.Handler) func()
}

const unknownSessionError = "Unknown session error"

// Relay turns stream events into dispatch state changes and notifications.
type Relay struct {
	tracker *dispatch.Tracker

	mu        sync.Mutex
	titles    map[string]string
	queue     []Notification
	listeners map[int]func(Notification)
	nextID    int
	unsub     func()
	now       func() time.Time
}

// NewRelay creates a relay bound to tracker.
func NewRelay(tracker *dispatch.Tracker) *Relay {
	return &Relay{
		tracker:   tracker,
		titles:    make(map[string]string),
		listeners: make(map[int]func(Notification)),
		now:       time.Now,
	}
}

// Start listens to src. Calling Start on a started relay does nothing.
func (r *Relay) Start(src EventSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.unsub = src.OnEvent(r.HandleEvent)
}

// Stop detaches from the event source. Safe to call repeatedly.
func (r *Relay) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// OnNotification subscribes fn and returns its unsubscribe func.
func (r *Relay) OnNotification(fn func(Notification)) func() {
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

// Pending returns queued notifications, oldest first.
func (r *Relay) Pending() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.queue))
	copy(out, r.queue)
	return out
}

// Clear removes the queued notification for dispatchID.
func (r *Relay) Clear(dispatchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.queue {
		if n.DispatchID == dispatchID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

// SessionTitle returns the last title seen for a session.
func (r *Relay) SessionTitle(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.titles[sessionID]
}

// HandleEvent processes one stream event from projectPath.
func (r *Relay) HandleEvent(projectPath string, ev events.Event) {
	props := properties(ev.Data)
	if props == nil {
		return
	}
	switch ev.Type {
	case protocol.StreamSessionCreated, protocol.StreamSessionUpdated:
		r.recordTitle(props)
	case protocol.StreamSessionError:
		r.handleError(projectPath, props)
	case protocol.StreamMessagePartUpdated:
		if sessionID, text, ok := completedTextPart(props); ok {
			r.complete(projectPath, sessionID, text)
		}
	case protocol.StreamMessageUpdated:
		if sessionID, text, ok := assistantMessage(props); ok {
			r.complete(projectPath, sessionID, text)
		}
	}
}

func (r *Relay) recordTitle(props map[string]any) {
	info := object(props, "info")
	if info == nil {
		info = props
	}
	id := str(info, "id")
	title := str(info, "title")
	if id == "" || title == "" {
		return
	}
	r.mu.Lock()
	r.titles[id] = title
	r.mu.Unlock()
}

func (r *Relay) handleError(projectPath string, props map[string]any) {
	sessionID := str(props, "sessionID")
	if sessionID == "" {
		return
	}
	rec, ok := r.tracker.FindActiveBySession(projectPath, sessionID)
	if !ok {
		return
	}
	msg := errorMessage(props)
	r.tracker.MarkFailed(rec.ID, msg)
	slog.Warn("notify.session_error", "dispatch", rec.ID, "session", sessionID, "error", msg)
}

func (r *Relay) complete(projectPath, sessionID, text string) {
	rec, ok := r.tracker.FindActiveBySession(projectPath, sessionID)
	if !ok {
		return
	}
	summary, truncated := Truncate(text, SummaryLimit)
	n := Notification{
		ProjectName:           rec.ProjectName,
		ProjectPath:           projectPath,
		SessionID:             sessionID,
		SessionTitle:          r.SessionTitle(sessionID),
		DispatchID:            rec.ID,
		Summary:               summary,
		FullResponseAvailable: truncated,
		Timestamp:             r.now(),
	}
	if !r.tracker.MarkCompleted(rec.ID, text) {
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, n)
	fns := make([]func(Notification), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	slog.Info("notify.response_ready", "dispatch", rec.ID, "project", rec.ProjectName, "session", sessionID)
	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("notify.listener_panic", "dispatch", rec.ID, "panic", p)
				}
			}()
			fn(n)
		}()
	}
}

// completedTextPart matches a finished text part: part.type == "text" with time.end set.
func completedTextPart(props map[string]any) (sessionID, text string, ok bool) {
	part := object(props, "part")
	if part == nil || str(part, "type") != "text" {
		return "", "", false
	}
	t := object(part, "time")
	if t == nil || t["end"] == nil {
		return "", "", false
	}
	text = strings.TrimSpace(str(part, "text"))
	sessionID = str(part, "sessionID")
	if sessionID == "" {
		sessionID = str(props, "sessionID")
	}
	return sessionID, text, sessionID != "" && text != ""
}

// assistantMessage matches a full assistant message carrying text parts.
func assistantMessage(props map[string]any) (sessionID, text string, ok bool) {
	info := object(props, "info")
	if info == nil {
		info = props
	}
	if str(info, "role") != "assistant" {
		return "", "", false
	}
	sessionID = str(info, "sessionID")
	if sessionID == "" {
		sessionID = str(props, "sessionID")
	}

	parts, _ := props["parts"].([]any)
	if parts == nil {
		parts, _ = info["parts"].([]any)
	}
	var texts []string
	for _, p := range parts {
		pm, _ := p.(map[string]any)
		if pm == nil || str(pm, "type") != "text" {
			continue
		}
		if s := strings.TrimSpace(str(pm, "text")); s != "" {
			texts = append(texts, s)
		}
	}
	text = strings.Join(texts, "\n")
	return sessionID, text, sessionID != "" && text != ""
}

// errorMessage extracts a human-readable message from a session.error payload.
func errorMessage(props map[string]any) string {
	e := object(props, "error")
	if e == nil {
		if s := str(props, "error"); s != "" {
			return s
		}
		e = props
	}
	if s := str(e, "message"); s != "" {
		return s
	}
	if d := object(e, "data"); d != nil {
		if s := str(d, "message"); s != "" {
			return s
		}
	}
	if s := str(e, "name"); s != "" {
		return s
	}
	return unknownSessionError
}

// properties returns the event's "properties" object, or the data itself.
func properties(data any) map[string]any {
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	if p := object(m, "properties"); p != nil {
		return p
	}
	return m
}

func object(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
