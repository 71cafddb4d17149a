package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/events"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

const projectPath = "/code/alpha"

func newTracked(t *testing.T) (*dispatch.Tracker, *Relay) {
	t.Helper()
	tr := dispatch.NewTracker(0)
	tr.Record(dispatch.Record{ID: "d1", ProjectPath: projectPath, ProjectName: "alpha", Message: "fix it"})
	tr.SetSession("d1", "ses_1")
	tr.MarkSent("d1")
	r := NewRelay(tr)
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return tr, r
}

func ev(typ string, props map[string]any) events.Event {
	return events.Event{Type: typ, Data: map[string]any{"type": typ, "properties": props}}
}

func textPart(sessionID, text string, ended bool) events.Event {
	tm := map[string]any{"start": float64(1)}
	if ended {
		tm["end"] = float64(2)
	}
	return ev(protocol.StreamMessagePartUpdated, map[string]any{
		"part": map[string]any{"type": "text", "sessionID": sessionID, "text": text, "time": tm},
	})
}

func TestCompletedTextPartNotifies(t *testing.T) {
	tr, r := newTracked(t)
	var got []Notification
	r.OnNotification(func(n Notification) { got = append(got, n) })

	r.HandleEvent(projectPath, ev(protocol.StreamSessionUpdated, map[string]any{
		"info": map[string]any{"id": "ses_1", "title": "Refactor auth"},
	}))
	r.HandleEvent(projectPath, textPart("ses_1", "partial", false))
	if len(got) != 0 {
		t.Fatal("unfinished part should not notify")
	}
	r.HandleEvent(projectPath, textPart("ses_1", "All done.", true))

	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	n := got[0]
	if n.DispatchID != "d1" || n.ProjectName != "alpha" || n.SessionTitle != "Refactor auth" || n.Summary != "All done." || n.FullResponseAvailable {
		t.Fatalf("unexpected notification %+v", n)
	}
	rec, _ := tr.Get("d1")
	if rec.Status != dispatch.StatusCompleted || rec.Result != "All done." {
		t.Fatalf("record = %+v", rec)
	}
	if len(r.Pending()) != 1 {
		t.Fatal("notification not queued")
	}

	// A second completion for the same session has no active dispatch left.
	r.HandleEvent(projectPath, textPart("ses_1", "again", true))
	if len(got) != 1 {
		t.Fatal("completed dispatch notified twice")
	}
}

func TestAssistantMessageNotifies(t *testing.T) {
	_, r := newTracked(t)
	var got []Notification
	r.OnNotification(func(n Notification) { got = append(got, n) })

	r.HandleEvent(projectPath, ev(protocol.StreamMessageUpdated, map[string]any{
		"info":  map[string]any{"role": "user", "sessionID": "ses_1"},
		"parts": []any{map[string]any{"type": "text", "text": "question"}},
	}))
	r.HandleEvent(projectPath, ev(protocol.StreamMessageUpdated, map[string]any{
		"info": map[string]any{"role": "assistant", "sessionID": "ses_1"},
		"parts": []any{
			map[string]any{"type": "tool", "text": "ignored"},
			map[string]any{"type": "text", "text": "first"},
			map[string]any{"type": "text", "text": "second"},
		},
	}))
	if len(got) != 1 || got[0].Summary != "first\nsecond" {
		t.Fatalf("got %+v", got)
	}
	if got[0].SessionTitle != "" {
		t.Fatalf("unknown title should be empty, got %q", got[0].SessionTitle)
	}
	if !strings.Contains(Format(got[0]), "session 'ses_1'") {
		t.Fatalf("format should fall back to session id: %s", Format(got[0]))
	}
}

func TestLongResponseIsTruncated(t *testing.T) {
	tr, r := newTracked(t)
	long := strings.Repeat("x", 900)
	var got Notification
	r.OnNotification(func(n Notification) { got = n })
	r.HandleEvent(projectPath, textPart("ses_1", long, true))

	if n := len([]rune(got.Summary)); n != SummaryLimit {
		t.Fatalf("summary length = %d", n)
	}
	if !strings.HasSuffix(got.Summary, "...") || !got.FullResponseAvailable {
		t.Fatalf("summary not marked truncated: %+v", got)
	}
	rec, _ := tr.Get("d1")
	if rec.Result != long {
		t.Fatal("tracker should keep the full response")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in        string
		want      string
		truncated bool
	}{
		{"short", "short", false},
		{strings.Repeat("a", 500), strings.Repeat("a", 500), false},
		{strings.Repeat("é", 501), strings.Repeat("é", 497) + "...", true},
	}
	for _, tt := range tests {
		got, tr := Truncate(tt.in, SummaryLimit)
		if got != tt.want || tr != tt.truncated {
			t.Errorf("Truncate(len %d) = len %d, %v", len(tt.in), len(got), tr)
		}
	}
}

func TestSessionErrorMarksFailed(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]any
		want  string
	}{
		{"message", map[string]any{"error": map[string]any{"message": "boom"}}, "boom"},
		{"data message", map[string]any{"error": map[string]any{"name": "ProviderError", "data": map[string]any{"message": "rate limited"}}}, "rate limited"},
		{"name only", map[string]any{"error": map[string]any{"name": "MessageAbortedError"}}, "MessageAbortedError"},
		{"string", map[string]any{"error": "plain"}, "plain"},
		{"empty", map[string]any{}, unknownSessionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, r := newTracked(t)
			tt.props["sessionID"] = "ses_1"
			r.HandleEvent(projectPath, ev(protocol.StreamSessionError, tt.props))
			rec, _ := tr.Get("d1")
			if rec.Status != dispatch.StatusFailed || rec.Error != tt.want {
				t.Fatalf("record = %+v, want error %q", rec, tt.want)
			}
			if len(r.Pending()) != 0 {
				t.Fatal("failure should not queue a notification")
			}
		})
	}
}

func TestEventsForOtherProjectsIgnored(t *testing.T) {
	tr, r := newTracked(t)
	r.HandleEvent("/code/beta", textPart("ses_1", "done", true))
	if rec, _ := tr.Get("d1"); rec.Status != dispatch.StatusSent {
		t.Fatalf("status = %s", rec.Status)
	}
	r.HandleEvent(projectPath, events.Event{Type: protocol.StreamMessagePartUpdated, Data: "raw text"})
}

func TestClear(t *testing.T) {
	_, r := newTracked(t)
	r.HandleEvent(projectPath, textPart("ses_1", "done", true))
	if !r.Clear("d1") {
		t.Fatal("Clear returned false")
	}
	if r.Clear("d1") || len(r.Pending()) != 0 {
		t.Fatal("notification still queued")
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	_, r := newTracked(t)
	var called bool
	r.OnNotification(func(Notification) { panic("listener") })
	r.OnNotification(func(Notification) { called = true })
	r.HandleEvent(projectPath, textPart("ses_1", "done", true))
	if !called {
		t.Fatal("second listener not called")
	}
}

type fakeSource struct {
	mu       sync.Mutex
	handlers []events.Handler
	unsubs   int
}

func (f *fakeSource) OnEvent(fn events.Handler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}
}

func TestStartStopIdempotent(t *testing.T) {
	_, r := newTracked(t)
	src := &fakeSource{}
	r.Start(src)
	r.Start(src)
	if len(src.handlers) != 1 {
		t.Fatalf("handlers = %d", len(src.handlers))
	}
	src.handlers[0](projectPath, textPart("ses_1", "done", true))
	if len(r.Pending()) != 1 {
		t.Fatal("event via source not handled")
	}
	r.Stop()
	r.Stop()
	if src.unsubs != 1 {
		t.Fatalf("unsubs = %d", src.unsubs)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	if n.fail {
		return errors.New("down")
	}
	return nil
}

func TestHubFansOut(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{fail: true}
	h := NewHub(a, b)
	h.Notify(Notification{DispatchID: "d1"})
	h.Wait()
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("a=%d b=%d", len(a.got), len(b.got))
	}
}

func TestBusNotifierBroadcasts(t *testing.T) {
	mb := bus.New()
	var got bus.Event
	mb.Subscribe("t", func(e bus.Event) { got = e })
	if err := NewBusNotifier(mb).Notify(context.Background(), Notification{DispatchID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if got.Name != protocol.EventNotification {
		t.Fatalf("event = %+v", got)
	}
}

func TestFormat(t *testing.T) {
	n := Notification{ProjectName: "alpha", SessionID: "ses_1", SessionTitle: "Auth", Summary: "ok"}
	if got, want := Format(n), "📋 [alpha] Response ready — session 'Auth': ok"; got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestFromConfigSkipsDisabled(t *testing.T) {
	if n := FromConfig(config.NotifyConfig{Telegram: config.TelegramNotifyConfig{Enabled: true}}); len(n) != 0 {
		t.Fatalf("notifiers = %d", len(n))
	}
}
