package agentclient

import (
	"fmt"
	"time"
)

// SessionTime carries epoch-millisecond timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Session is one conversation held by an agent-server.
type Session struct {
	ID    string      `json:"id"`
	Title string      `json:"title"`
	Time  SessionTime `json:"time"`
}

// UpdatedAt returns Time.Updated as a time.Time.
func (s Session) UpdatedAt() time.Time { return time.UnixMilli(s.Time.Updated) }

// TextPart is the only message part the control plane sends.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts []TextPart `json:"parts"`
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// HTTPError is returned for non-2xx responses from an agent-server.
type HTTPError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent server %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}
