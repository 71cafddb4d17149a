package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

var leakOpts = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

func TestFrameParser(t *testing.T) {
	lines := []string{
		": keepalive",
		"event: message.part.updated",
		"id: 7",
		"data: {\"a\":",
		"data: 1}",
		"",
		"",
		"data:raw",
		"",
	}
	var p frameParser
	var frames []Frame
	comments := 0
	for _, l := range lines {
		f, kind := p.Feed(l)
		switch kind {
		case lineFrame:
			frames = append(frames, f)
		case lineComment:
			comments++
		}
	}
	if comments != 1 || len(frames) != 2 {
		t.Fatalf("comments=%d frames=%+v", comments, frames)
	}
	if frames[0].Event != "message.part.updated" || frames[0].ID != "7" || frames[0].Data != "{\"a\":\n1}" {
		t.Fatalf("unexpected first frame %+v", frames[0])
	}
	if frames[1].Data != "raw" || frames[1].Event != "" {
		t.Fatalf("unexpected second frame %+v", frames[1])
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		frame    Frame
		wantType string
		wantRaw  bool
	}{
		{"type from payload", Frame{Data: `{"type":"session.status","properties":{"sessionID":"s"}}`}, "session.status", false},
		{"payload envelope", Frame{Data: `{"payload":{"type":"message.updated","properties":{}}}`}, "message.updated", false},
		{"type from event name", Frame{Event: "todo.updated", Data: `{"x":1}`}, "todo.updated", false},
		{"default type", Frame{Data: `{"x":1}`}, "message", false},
		{"raw text", Frame{Event: "file.edited", Data: "not json"}, "file.edited", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, data := decodeFrame(tt.frame)
			if typ != tt.wantType {
				t.Fatalf("type = %q, want %q", typ, tt.wantType)
			}
			if _, isStr := data.(string); isStr != tt.wantRaw {
				t.Fatalf("data = %#v", data)
			}
		})
	}
}

func TestIsRelevant(t *testing.T) {
	for typ, want := range map[string]bool{
		"project.updated":      false,
		"server.heartbeat":     false,
		"message":              false,
		"session.status":       true,
		"session.error":        true,
		"message.part.updated": true,
		"message.anything":     true,
	} {
		if got := IsRelevant(typ); got != want {
			t.Errorf("IsRelevant(%q) = %v, want %v", typ, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	m := NewMonitor()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := m.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

// streamServer fails the first `failures` requests, then streams frames and
// holds the connection open until the client goes away.
func streamServer(failures int32, frames ...string) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/event" || r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	return srv, &calls
}

type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector() *collector { return &collector{ch: make(chan Event, 64)} }

func (c *collector) handle(_ string, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
}

func (c *collector) wait(t *testing.T, typ string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestReconnectBackoffThenReset(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	srv, calls := streamServer(3, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
	defer srv.Close()

	m := NewMonitor()
	var mu sync.Mutex
	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	c := newCollector()
	m.OnEvent(c.handle)

	m.Subscribe(srv.URL, "/code/alpha")
	c.wait(t, "server.connected")

	mu.Lock()
	got := fmt.Sprint(delays)
	mu.Unlock()
	if want := fmt.Sprint([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second}); got != want {
		t.Fatalf("delays = %s, want %s", got, want)
	}
	if a := m.ReconnectAttempt("/code/alpha"); a != 0 {
		t.Fatalf("attempt after success = %d", a)
	}
	if calls.Load() != 4 {
		t.Fatalf("server saw %d requests", calls.Load())
	}
	m.Close()
}

func TestFilteringAndUnwrapping(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	srv, _ := streamServer(0,
		": hello\n\n",
		"data: {\"type\":\"project.updated\",\"properties\":{}}\n\n",
		"data: {\"type\":\"server.heartbeat\",\"properties\":{}}\n\n",
		"event: message\ndata: {\"payload\":{\"type\":\"session.status\",\"properties\":{\"sessionID\":\"s1\"}}}\n\n",
		"id: 42\ndata: {\"type\":\"message.part.updated\",\"properties\":{\"part\":{\"type\":\"text\"}}}\n\n",
	)
	defer srv.Close()

	m := NewMonitor()
	c := newCollector()
	m.OnEvent(c.handle)
	m.Subscribe(srv.URL, "/code/alpha")

	status := c.wait(t, "session.status")
	c.wait(t, "message.part.updated")
	m.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == "project.updated" || ev.Type == "server.heartbeat" {
			t.Fatalf("%s should never be emitted", ev.Type)
		}
	}
	data, ok := status.Data.(map[string]any)
	if !ok || data["type"] != "session.status" {
		t.Fatalf("payload not unwrapped: %#v", status.Data)
	}
}

func TestReconnectSendsLastEventID(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	var (
		mu      sync.Mutex
		seen    []string
		request atomic.Int32
	)
	third := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := request.Add(1)
		mu.Lock()
		seen = append(seen, r.Header.Get("Last-Event-ID"))
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "id: %d\ndata: {\"type\":\"server.connected\"}\n\n", 40+n)
		w.(http.Flusher).Flush()
		if n < 3 {
			return // drop the stream to force a reconnect
		}
		if n == 3 {
			close(third)
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := NewMonitor()
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	m.Subscribe(srv.URL, "/code/alpha")

	select {
	case <-third:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the third connection")
	}
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	if got, want := fmt.Sprintf("%q", seen), fmt.Sprintf("%q", []string{"", "41", "42"}); got != want {
		t.Fatalf("Last-Event-ID sequence = %s, want %s", got, want)
	}
}

func TestHeartbeatWatchdogForcesReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	srv, calls := streamServer(0, "data: {\"type\":\"server.connected\"}\n\n")
	defer srv.Close()

	m := NewMonitor(WithHeartbeat(20*time.Millisecond, 50*time.Millisecond))
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	c := newCollector()
	m.OnEvent(c.handle)
	m.Subscribe(srv.URL, "/code/alpha")

	c.wait(t, "server.connected")
	c.wait(t, "server.connected")
	if calls.Load() < 2 {
		t.Fatalf("expected a reconnect after silence, got %d requests", calls.Load())
	}
	m.Close()
}

func TestSubscribeIdempotentAndUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	srv, calls := streamServer(0, "data: {\"type\":\"server.connected\"}\n\n")
	defer srv.Close()

	m := NewMonitor()
	c := newCollector()
	m.OnEvent(c.handle)

	m.Subscribe(srv.URL, "/code/alpha")
	c.wait(t, "server.connected")
	m.Subscribe(srv.URL, "/code/alpha")
	if calls.Load() != 1 {
		t.Fatalf("same-URL Subscribe reconnected (%d requests)", calls.Load())
	}

	m.Unsubscribe("/code/alpha")
	m.Unsubscribe("/code/alpha")
	m.Unsubscribe("/code/unknown")
	if m.Subscribed("/code/alpha") {
		t.Fatal("still subscribed after Unsubscribe")
	}
	m.Close()
}

func TestSubscribeNewURLReplaces(t *testing.T) {
	defer goleak.VerifyNone(t, leakOpts...)

	first, _ := streamServer(0, "data: {\"type\":\"server.connected\"}\n\n")
	defer first.Close()
	second, calls := streamServer(0, "data: {\"type\":\"server.connected\"}\n\n")
	defer second.Close()

	m := NewMonitor()
	c := newCollector()
	m.OnEvent(c.handle)

	m.Subscribe(first.URL, "/code/alpha")
	c.wait(t, "server.connected")
	m.Subscribe(second.URL, "/code/alpha")
	c.wait(t, "server.connected")

	if calls.Load() != 1 || m.Subscriptions()["/code/alpha"] != second.URL {
		t.Fatalf("subscription not moved: %v", m.Subscriptions())
	}
	m.Close()
}
