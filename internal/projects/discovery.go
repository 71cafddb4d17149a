package projects

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// markers are the files whose presence turns a directory into a project.
var markers = []string{
	".git",
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"requirements.txt",
	"pom.xml",
	"Gemfile",
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a directory name into a project id: lower-case, runs of
// non-alphanumerics collapsed to "-".
func Slug(name string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Discover walks each root up to maxDepth levels and returns every directory
// carrying a project marker. A project directory is not descended into.
func Discover(roots []string, maxDepth int) []Project {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	seen := make(map[string]bool)
	var out []Project

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if p, ok := inspect(dir); ok {
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			} else {
				slog.Debug("projects.duplicate_id", "id", p.ID, "path", dir)
			}
			return
		}
		if depth >= maxDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Debug("projects.read_dir_failed", "dir", dir, "error", err)
			return
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "node_modules" {
				continue
			}
			walk(filepath.Join(dir, e.Name()), depth+1)
		}
	}

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			slog.Warn("projects.root_unreadable", "root", root, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			walk(filepath.Join(root, e.Name()), 1)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// inspect reports whether dir is a project and builds its descriptor.
func inspect(dir string) (Project, bool) {
	var found []string
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return Project{}, false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	name := filepath.Base(abs)
	id := Slug(name)
	if id == "" {
		return Project{}, false
	}
	return Project{
		ID:            id,
		Name:          name,
		Path:          abs,
		DetectedFiles: found,
		State:         StateDiscovered,
	}, true
}

// Sync reconciles the registry with a fresh discovery result: new projects are
// registered, vanished ones unregistered. Existing entries keep their state.
func Sync(r *Registry, discovered []Project) (added, removed int) {
	want := make(map[string]Project, len(discovered))
	for _, p := range discovered {
		want[p.ID] = p
	}
	for _, p := range r.All() {
		if _, ok := want[p.ID]; !ok {
			if r.Unregister(p.ID) {
				removed++
			}
		}
	}
	for id, p := range want {
		if existing, ok := r.Get(id); ok {
			if existing.Path == p.Path {
				continue
			}
			p.State = existing.State
			r.Register(p)
			continue
		}
		r.Register(p)
		added++
	}
	return added, removed
}
