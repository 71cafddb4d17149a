package routing

import (
	"context"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/conductor/internal/projects"
)

func newRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	reg := projects.NewRegistry()
	for _, name := range []string{"Northstar", "watserface", "homebase", "ledger"} {
		reg.Register(projects.Project{ID: projects.Slug(name), Name: name, Path: "/code/" + name})
	}
	profiles := projects.NewProfiles(nil, map[string]projects.Profile{
		"watserface": {KeyConcepts: []string{"face swap", "landmarks"}, TechStack: []string{"pytorch", "onnx"}},
		"homebase":   {KeyConcepts: []string{"dashboard", "widgets"}, Services: []string{"api", "postgres"}},
		"ledger":     {KeyConcepts: []string{"invoices", "dashboard"}, TechStack: []string{"postgres"}},
	})
	return New(reg, profiles, opts...)
}

func TestExplicitPatterns(t *testing.T) {
	tests := []struct {
		text        string
		wantProject string
		wantClean   string
	}{
		{"In Northstar, check X", "northstar", "check X"},
		{"fix the login bug in the watserface project", "watserface", "fix the login bug"},
		{"[homebase] bump deps", "homebase", "bump deps"},
		{"@ledger reconcile March", "ledger", "reconcile March"},
		{"deploy on wats now", "watserface", "deploy now"},
		{"the homebase repo needs tests", "homebase", "needs tests"},
		{"look in the code for it and fix it on northstar", "northstar", "look in the code for it and fix it"},
		{"check the build in Northstar.", "northstar", "check the build."},
		{"In Northstar. check X", "northstar", "check X"},
		{"any news on ledger?", "ledger", "any news?"},
		{"what changed in the homebase repo?", "homebase", "what changed?"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r := newRouter(t)
			got := r.Route(context.Background(), tt.text)
			if got.Layer != 1 || got.Confidence != ConfidenceExplicit {
				t.Fatalf("got layer %d (%s), want explicit", got.Layer, got.Confidence)
			}
			if got.ProjectID != tt.wantProject {
				t.Fatalf("project = %q, want %q", got.ProjectID, tt.wantProject)
			}
			if got.CleanedMessage != tt.wantClean {
				t.Fatalf("cleaned = %q, want %q", got.CleanedMessage, tt.wantClean)
			}
			if r.CurrentProject() != tt.wantProject {
				t.Fatalf("context not set: %q", r.CurrentProject())
			}
		})
	}
}

func TestContextExpiresAfterLimit(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	if got := r.Route(ctx, "In Northstar, check X"); got.Layer != 1 {
		t.Fatalf("setup: layer %d", got.Layer)
	}
	for i := 1; i < ContextLimit; i++ {
		got := r.Route(ctx, "and the follow up")
		if got.Layer != 2 || got.ProjectID != "northstar" || got.Confidence != ConfidenceContext {
			t.Fatalf("follow-up %d: %+v", i, got)
		}
	}
	got := r.Route(ctx, "and the follow up")
	if got.Layer != 5 || got.Confidence != ConfidenceAskUser {
		t.Fatalf("10th follow-up: %+v", got)
	}
	if r.CurrentProject() != "" {
		t.Fatal("context should be cleared")
	}
	if len(got.Candidates) != 4 {
		t.Fatalf("candidates = %v", got.Candidates)
	}
}

func TestExplicitResetsCounter(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()
	r.Route(ctx, "[ledger] one")
	for i := 0; i < 5; i++ {
		r.Route(ctx, "more")
	}
	r.Route(ctx, "[ledger] again")
	for i := 1; i < ContextLimit; i++ {
		if got := r.Route(ctx, "more"); got.Layer != 2 {
			t.Fatalf("follow-up %d after reset: layer %d", i, got.Layer)
		}
	}
}

func TestKeywordLayer(t *testing.T) {
	tests := []struct {
		text      string
		wantLayer int
		wantID    string
	}{
		{"the face swap looks off around the landmarks", 3, "watserface"},
		{"retrain with pytorch", 5, ""},                 // single term is below threshold
		{"postgres dashboard is slow", 5, ""},           // tie between homebase and ledger
		{"invoices missing from postgres dashboard", 3, "ledger"},
		{"surface swapping", 5, ""},                     // partial words never count
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := newRouter(t).Route(context.Background(), tt.text)
			if got.Layer != tt.wantLayer || got.ProjectID != tt.wantID {
				t.Fatalf("got %+v, want layer %d project %q", got, tt.wantLayer, tt.wantID)
			}
		})
	}
}

type pickFirst struct{ calls int }

func (p *pickFirst) Disambiguate(_ context.Context, _ string, c []projects.Project) (string, bool) {
	p.calls++
	return c[0].ID, true
}

func TestDisambiguatorOnlySeesTies(t *testing.T) {
	d := &pickFirst{}
	r := newRouter(t, WithDisambiguator(d))

	got := r.Route(context.Background(), "postgres dashboard is slow")
	if got.Layer != 4 || got.Confidence != ConfidenceAI || got.ProjectID == "" {
		t.Fatalf("got %+v", got)
	}
	r.Route(context.Background(), "nothing relevant")
	if d.calls != 1 {
		t.Fatalf("disambiguator called %d times", d.calls)
	}
}

func TestStopwordsNeverResolve(t *testing.T) {
	reg := projects.NewRegistry()
	reg.Register(projects.Project{ID: "theme-engine", Name: "theme-engine", Path: "/code/theme-engine"})
	r := New(reg, nil)
	got := r.Route(context.Background(), "put it in the box")
	if got.Layer != 5 {
		t.Fatalf("stopword resolved to a project: %+v", got)
	}
}

func TestIdiomsNeverResolve(t *testing.T) {
	reg := projects.NewRegistry()
	reg.Register(projects.Project{ID: "casebook", Name: "casebook", Path: "/code/casebook"})
	reg.Register(projects.Project{ID: "orderly", Name: "orderly", Path: "/code/orderly"})
	r := New(reg, nil)
	for _, text := range []string{"retry in case it flakes", "rename it in order to ship"} {
		if got := r.Route(context.Background(), text); got.Layer != 5 {
			t.Fatalf("%q resolved to a project: %+v", text, got)
		}
	}
}

func TestDottedProjectNames(t *testing.T) {
	reg := projects.NewRegistry()
	reg.Register(projects.Project{ID: "api-v2", Name: "api.v2", Path: "/code/api.v2"})
	r := New(reg, nil)
	got := r.Route(context.Background(), "bump deps in api.v2.")
	if got.ProjectID != "api-v2" || got.CleanedMessage != "bump deps." {
		t.Fatalf("got %+v", got)
	}
}

func TestStripSpan(t *testing.T) {
	tests := []struct {
		text       string
		start, end int
		want       string
	}{
		{"In alpha, do x", 0, 8, "do x"},
		{"do x in alpha.", 5, 13, "do x."},
		{"In alpha. do x", 0, 8, "do x"},
		{"do  x [alpha]  now", 6, 13, "do x now"},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := stripSpan(tt.text, tt.start, tt.end); got != tt.want {
				t.Fatalf("stripSpan = %q, want %q", got, tt.want)
			}
		})
	}
}
