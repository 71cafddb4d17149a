package projects

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"
)

// ProfileFile is the optional per-project knowledge file, relative to the project root.
const ProfileFile = ".conductor/profile.json5"

// Profile is what the router knows about a project's subject matter.
type Profile struct {
	KeyConcepts []string `json:"key_concepts,omitempty"`
	TechStack   []string `json:"tech_stack,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// Terms returns every term in the profile.
func (p Profile) Terms() []string {
	out := make([]string, 0, len(p.KeyConcepts)+len(p.TechStack)+len(p.Services))
	out = append(out, p.KeyConcepts...)
	out = append(out, p.TechStack...)
	return append(out, p.Services...)
}

// Profiles serves read-only project profiles. Static entries (from config)
// take precedence over the per-project profile file, which is read lazily and cached.
type Profiles struct {
	registry *Registry
	static   map[string]Profile

	mu    sync.Mutex
	cache map[string]*Profile // nil entry = no file
}

// NewProfiles creates a profile source. registry may be nil when only static
// profiles are used.
func NewProfiles(registry *Registry, static map[string]Profile) *Profiles {
	if static == nil {
		static = make(map[string]Profile)
	}
	return &Profiles{
		registry: registry,
		static:   static,
		cache:    make(map[string]*Profile),
	}
}

// Profile returns the profile for a project id.
func (ps *Profiles) Profile(projectID string) (Profile, bool) {
	if p, ok := ps.static[projectID]; ok {
		return p, true
	}
	if ps.registry == nil {
		return Profile{}, false
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cached, ok := ps.cache[projectID]; ok {
		if cached == nil {
			return Profile{}, false
		}
		return *cached, true
	}

	proj, ok := ps.registry.Get(projectID)
	if !ok {
		return Profile{}, false
	}
	p, err := loadProfileFile(filepath.Join(proj.Path, ProfileFile))
	if err != nil {
		ps.cache[projectID] = nil
		return Profile{}, false
	}
	ps.cache[projectID] = p
	return *p, true
}

// Forget drops a cached profile file so it is re-read on next use.
func (ps *Profiles) Forget(projectID string) {
	ps.mu.Lock()
	delete(ps.cache, projectID)
	ps.mu.Unlock()
}

func loadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json5.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
