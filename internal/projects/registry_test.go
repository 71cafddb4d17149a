package projects

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(names ...string) *Registry {
	r := NewRegistry()
	for _, n := range names {
		r.Register(Project{ID: Slug(n), Name: n, Path: "/code/" + n})
	}
	return r
}

func TestFindByName(t *testing.T) {
	r := newTestRegistry("watserface", "Northstar", "homebase")

	tests := []struct {
		query string
		want  string // "" = no match
	}{
		{"watserface", "watserface"},
		{"WATSERFACE", "watserface"},
		{"wats", "watserface"},
		{"face", "watserface"},
		{"water", ""},
		{"northstar", "northstar"},
		{"North", "northstar"},
		{"w", ""},
		{"", ""},
		{"ho", "homebase"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p, ok := r.FindByName(tt.query)
			if tt.want == "" {
				if ok {
					t.Fatalf("FindByName(%q) matched %q, want no match", tt.query, p.ID)
				}
				return
			}
			if !ok || p.ID != tt.want {
				t.Fatalf("FindByName(%q) = %q (ok=%v), want %q", tt.query, p.ID, ok, tt.want)
			}
		})
	}
}

func TestFindByNamePrefersExactOverSubstring(t *testing.T) {
	r := newTestRegistry("api", "api-gateway")
	p, ok := r.FindByName("api")
	if !ok || p.ID != "api" {
		t.Fatalf("expected exact match api, got %q", p.ID)
	}
}

func TestRegisterEmitsAddedOnce(t *testing.T) {
	r := NewRegistry()
	var events []ChangeEvent
	unsub := r.OnChange(func(ev ChangeEvent) { events = append(events, ev) })

	p := Project{ID: "a", Name: "a", Path: "/a"}
	r.Register(p)
	r.Register(p)
	if len(events) != 1 || events[0].Kind != ChangeAdded {
		t.Fatalf("expected single added event, got %+v", events)
	}

	if r.Unregister("missing") {
		t.Fatal("Unregister of unknown id should report false")
	}
	r.Unregister("a")
	r.Unregister("a")
	if len(events) != 2 || events[1].Kind != ChangeRemoved {
		t.Fatalf("expected single removed event, got %+v", events)
	}

	unsub()
	r.Register(p)
	if len(events) != 2 {
		t.Fatal("listener called after unsubscribe")
	}
}

func TestUpdateStateCarriesPrevious(t *testing.T) {
	r := newTestRegistry("alpha")
	var got ChangeEvent
	r.OnChange(func(ev ChangeEvent) { got = ev })

	if !r.UpdateState("alpha", StateActive) {
		t.Fatal("UpdateState returned false")
	}
	if got.Kind != ChangeStateChanged || got.PreviousState != StateDiscovered || got.Project.State != StateActive {
		t.Fatalf("unexpected event %+v", got)
	}
	if r.UpdateState("alpha", StateActive) {
		t.Fatal("unchanged state should be a no-op")
	}
}

func TestAllSortedByName(t *testing.T) {
	r := newTestRegistry("zeta", "alpha", "mid")
	all := r.All()
	if all[0].Name != "alpha" || all[1].Name != "mid" || all[2].Name != "zeta" {
		t.Fatalf("not sorted: %+v", all)
	}
}

func TestGetByPath(t *testing.T) {
	r := newTestRegistry("alpha")
	p, ok := r.GetByPath("/code/alpha")
	if !ok || p.ID != "alpha" {
		t.Fatalf("GetByPath failed: %+v", p)
	}
}

func TestDiscoverAndSync(t *testing.T) {
	root := t.TempDir()
	mk := func(rel, marker string) {
		dir := filepath.Join(root, rel)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if marker != "" {
			if err := os.WriteFile(filepath.Join(dir, marker), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk("Auth Service", "go.mod")
	mk("clients/web-app", "package.json")
	mk("notes", "")

	found := Discover([]string{root}, 2)
	if len(found) != 2 {
		t.Fatalf("expected 2 projects, got %+v", found)
	}
	if found[0].ID != "auth-service" || found[0].DetectedFiles[0] != "go.mod" {
		t.Fatalf("unexpected first project %+v", found[0])
	}

	r := NewRegistry()
	added, removed := Sync(r, found)
	if added != 2 || removed != 0 {
		t.Fatalf("Sync = (%d, %d)", added, removed)
	}

	os.RemoveAll(filepath.Join(root, "clients"))
	added, removed = Sync(r, Discover([]string{root}, 2))
	if added != 0 || removed != 1 || r.Len() != 1 {
		t.Fatalf("second Sync = (%d, %d), len %d", added, removed, r.Len())
	}
}

func TestProfilesStaticAndFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".conductor"), 0755); err != nil {
		t.Fatal(err)
	}
	content := `{key_concepts: ["faces", "swap"], services: ["gpu-worker"]}`
	if err := os.WriteFile(filepath.Join(dir, ProfileFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	r.Register(Project{ID: "watserface", Name: "watserface", Path: dir})
	ps := NewProfiles(r, map[string]Profile{"other": {TechStack: []string{"rust"}}})

	p, ok := ps.Profile("watserface")
	if !ok || len(p.Terms()) != 3 {
		t.Fatalf("file profile not loaded: %+v", p)
	}
	if p, ok := ps.Profile("other"); !ok || p.TechStack[0] != "rust" {
		t.Fatalf("static profile not served: %+v", p)
	}
	if _, ok := ps.Profile("missing"); ok {
		t.Fatal("unknown project should have no profile")
	}
}
