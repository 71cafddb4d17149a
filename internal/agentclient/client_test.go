package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeServer struct {
	sessions   []Session
	prompts    map[string][]string
	lastDir    string
	lastAuth   string
	failPrompt bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		f.lastDir = r.URL.Query().Get("directory")
		f.lastAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(f.sessions)
		case http.MethodPost:
			var req createSessionRequest
			json.NewDecoder(r.Body).Decode(&req)
			s := Session{ID: "ses_new", Title: req.Title, Time: SessionTime{Created: 1, Updated: 1}}
			f.sessions = append(f.sessions, s)
			json.NewEncoder(w).Encode(s)
		}
	})
	mux.HandleFunc("/session/{id}/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		if f.failPrompt {
			http.Error(w, "busy", http.StatusConflict)
			return
		}
		var req promptRequest
		json.NewDecoder(r.Body).Decode(&req)
		id := r.PathValue("id")
		for _, p := range req.Parts {
			if p.Type == "text" {
				f.prompts[id] = append(f.prompts[id], p.Text)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newFake(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		sessions: []Session{{ID: "ses_1", Title: "auth bug", Time: SessionTime{Created: 10, Updated: 20}}},
		prompts:  make(map[string][]string),
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func TestClientSessionsAndPrompt(t *testing.T) {
	f, srv := newFake(t)
	c := New(Options{BaseURL: srv.URL + "/", Directory: "/code/alpha", Headers: map[string]string{"Authorization": "Bearer pw"}})
	ctx := context.Background()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Time.Updated != 20 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if f.lastDir != "/code/alpha" || f.lastAuth != "Bearer pw" {
		t.Fatalf("directory=%q auth=%q", f.lastDir, f.lastAuth)
	}

	s, err := c.CreateSession(ctx, "new work")
	if err != nil || s.ID != "ses_new" || s.Title != "new work" {
		t.Fatalf("CreateSession = %+v, %v", s, err)
	}

	if err := c.PromptAsync(ctx, "ses_1", "fix it"); err != nil {
		t.Fatal(err)
	}
	if got := f.prompts["ses_1"]; len(got) != 1 || got[0] != "fix it" {
		t.Fatalf("prompts = %v", got)
	}
}

func TestClientHTTPError(t *testing.T) {
	f, srv := newFake(t)
	f.failPrompt = true
	c := New(Options{BaseURL: srv.URL})

	err := c.PromptAsync(context.Background(), "ses_1", "x")
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != http.StatusConflict {
		t.Fatalf("expected HTTPError 409, got %v", err)
	}
}

func TestPoolCachesByURL(t *testing.T) {
	p := NewPool()

	a := p.GetClient("/code/alpha", "http://127.0.0.1:4100", "/code/alpha", "")
	b := p.GetClient("/code/alpha", "http://127.0.0.1:4100", "/code/alpha", "")
	if a != b {
		t.Fatal("same path and url should return the cached client")
	}

	c := p.GetClient("/code/alpha", "http://127.0.0.1:4101", "/code/alpha", "pw")
	if c == a {
		t.Fatal("changed url should build a new client")
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
	if c.Header("Authorization") != "Bearer pw" {
		t.Fatalf("missing bearer header: %q", c.Header("Authorization"))
	}
	if a.Header("Authorization") != "" {
		t.Fatal("client without password should carry no auth header")
	}

	p.GetClient("/code/beta", "http://127.0.0.1:4102", "/code/beta", "")
	p.Invalidate("/code/alpha")
	if p.Has("/code/alpha") || !p.Has("/code/beta") {
		t.Fatal("Invalidate removed the wrong entry")
	}
	p.InvalidateAll()
	if p.Size() != 0 {
		t.Fatal("InvalidateAll left entries")
	}
}
