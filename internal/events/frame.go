package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Event is one normalized stream event.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is one blank-line-delimited unit of an event stream.
type Frame struct {
	Event string
	ID    string
	Data  string
}

type lineResult int

const (
	lineNone lineResult = iota
	lineComment
	lineFrame
)

// frameParser reassembles frames from stream lines.
type frameParser struct {
	event   string
	id      string
	data    []string
	pending bool
}

// Feed consumes one line (without its terminator).
func (p *frameParser) Feed(line string) (Frame, lineResult) {
	if line == "" {
		if !p.pending {
			return Frame{}, lineNone
		}
		f := Frame{Event: p.event, ID: p.id, Data: strings.Join(p.data, "\n")}
		p.event, p.id, p.data, p.pending = "", "", nil, false
		return f, lineFrame
	}
	if strings.HasPrefix(line, ":") {
		return Frame{}, lineComment
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "event":
		p.event = value
		p.pending = true
	case "id":
		p.id = value
		p.pending = true
	case "data":
		p.data = append(p.data, value)
		p.pending = true
	}
	return Frame{}, lineNone
}

// relevantTypes are forwarded to handlers in addition to every "message." type.
var relevantTypes = map[string]bool{
	protocol.StreamServerConnected:   true,
	protocol.StreamSessionCreated:    true,
	protocol.StreamSessionUpdated:    true,
	protocol.StreamSessionDeleted:    true,
	protocol.StreamSessionStatus:     true,
	protocol.StreamSessionIdle:       true,
	protocol.StreamSessionError:      true,
	protocol.StreamSessionCompacted:  true,
	protocol.StreamPermissionUpdated: true,
	protocol.StreamPermissionReplied: true,
	protocol.StreamTodoUpdated:       true,
	protocol.StreamFileEdited:        true,
}

// IsRelevant reports whether events of type typ are forwarded.
func IsRelevant(typ string) bool {
	return relevantTypes[typ] || strings.HasPrefix(typ, protocol.StreamMessagePrefix)
}

// decodeFrame turns a frame into its logical type and payload. Data that is
// not JSON is kept as raw text; a "payload" envelope is unwrapped.
func decodeFrame(f Frame) (string, any) {
	var data any
	if err := json.Unmarshal([]byte(f.Data), &data); err != nil {
		data = f.Data
	}
	if m, ok := data.(map[string]any); ok {
		if inner, ok := m["payload"]; ok {
			data = inner
		}
	}

	typ := ""
	if m, ok := data.(map[string]any); ok {
		typ, _ = m["type"].(string)
	}
	if typ == "" {
		typ = f.Event
	}
	if typ == "" {
		typ = "message"
	}
	return typ, data
}
