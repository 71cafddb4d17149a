// Package routing decides which project a natural-language message is about.
package routing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/nextlevelbuilder/conductor/internal/projects"
)

// Confidence labels the layer that produced a routing decision.
type Confidence string

const (
	ConfidenceExplicit Confidence = "explicit"
	ConfidenceContext  Confidence = "context"
	ConfidenceKeyword  Confidence = "keyword"
	ConfidenceAI       Confidence = "ai"
	ConfidenceAskUser  Confidence = "ask_user"
)

const (
	// ContextLimit is the number of follow-up messages after which the
	// conversational focus expires.
	ContextLimit = 10

	minKeywordScore = 2
	minTermLen      = 3
)

// Result is a routing decision. An empty ProjectID means no project was
// determined and Candidates lists what the caller may ask the user about.
type Result struct {
	ProjectID      string     `json:"projectId,omitempty"`
	Confidence     Confidence `json:"confidence"`
	Layer          int        `json:"layer"`
	Candidates     []string   `json:"candidates,omitempty"`
	CleanedMessage string     `json:"cleanedMessage,omitempty"`
}

// ProfileSource supplies read-only project profiles.
type ProfileSource interface {
	Profile(projectID string) (projects.Profile, bool)
}

// Disambiguator picks one project out of tied keyword candidates.
type Disambiguator interface {
	Disambiguate(ctx context.Context, text string, candidates []projects.Project) (projectID string, ok bool)
}

// declineDisambiguator never picks a project.
type declineDisambiguator struct{}

func (declineDisambiguator) Disambiguate(context.Context, string, []projects.Project) (string, bool) {
	return "", false
}

// Option configures a Router.
type Option func(*Router)

// WithDisambiguator installs a layer-4 disambiguator.
func WithDisambiguator(d Disambiguator) Option {
	return func(r *Router) {
		if d != nil {
			r.disambiguator = d
		}
	}
}

// Router evaluates the explicit, context, keyword, disambiguation and
// ask-user layers in order. It holds one piece of state: the current
// conversational focus and how many messages have used it.
type Router struct {
	registry      *projects.Registry
	profiles      ProfileSource
	disambiguator Disambiguator

	mu             sync.Mutex
	currentProject string
	messageCount   int
}

// New creates a Router. profiles may be nil.
func New(registry *projects.Registry, profiles ProfileSource, opts ...Option) *Router {
	r := &Router{
		registry:      registry,
		profiles:      profiles,
		disambiguator: declineDisambiguator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns exactly one routing decision for text.
func (r *Router) Route(ctx context.Context, text string) Result {
	if res, ok := r.explicit(text); ok {
		r.SetContext(res.ProjectID)
		return res
	}

	if res, ok := r.fromContext(text); ok {
		return res
	}

	res, tied := r.keyword(text)
	if res.ProjectID != "" {
		return res
	}

	if len(tied) >= 2 {
		if id, ok := r.disambiguator.Disambiguate(ctx, text, tied); ok {
			if _, known := r.registry.Get(id); known {
				return Result{ProjectID: id, Confidence: ConfidenceAI, Layer: 4, CleanedMessage: text}
			}
			slog.Warn("routing.disambiguator_unknown_project", "project", id)
		}
	}

	all := r.registry.All()
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.Name)
	}
	return Result{Confidence: ConfidenceAskUser, Layer: 5, Candidates: names, CleanedMessage: text}
}

// CurrentProject returns the project in conversational focus, if any.
func (r *Router) CurrentProject() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentProject
}

// SetContext focuses the router on projectID and resets the message counter.
func (r *Router) SetContext(projectID string) {
	r.mu.Lock()
	r.currentProject = projectID
	r.messageCount = 0
	r.mu.Unlock()
}

// ClearContext drops the conversational focus.
func (r *Router) ClearContext() {
	r.SetContext("")
}

func (r *Router) explicit(text string) (Result, bool) {
	for _, pat := range explicitPatterns {
		for _, m := range pat.re.FindAllStringSubmatchIndex(text, -1) {
			name := text[m[2]:m[3]]
			if stopwords[strings.ToLower(name)] {
				continue
			}
			p, ok := r.registry.FindByName(name)
			if !ok {
				continue
			}
			slog.Debug("routing.explicit", "pattern", pat.name, "name", name, "project", p.ID)
			return Result{
				ProjectID:      p.ID,
				Confidence:     ConfidenceExplicit,
				Layer:          1,
				CleanedMessage: stripSpan(text, m[0], m[1]),
			}, true
		}
	}
	return Result{}, false
}

func (r *Router) fromContext(text string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentProject == "" {
		return Result{}, false
	}
	if _, ok := r.registry.Get(r.currentProject); !ok {
		r.currentProject, r.messageCount = "", 0
		return Result{}, false
	}
	r.messageCount++
	if r.messageCount >= ContextLimit {
		slog.Debug("routing.context_expired", "project", r.currentProject)
		r.currentProject, r.messageCount = "", 0
		return Result{}, false
	}
	return Result{ProjectID: r.currentProject, Confidence: ConfidenceContext, Layer: 2, CleanedMessage: text}, true
}

// keyword scores every project by how many of its profile terms occur in
// text. It returns a match only for a unique top score of at least
// minKeywordScore; otherwise it returns the tied top projects, if any.
func (r *Router) keyword(text string) (Result, []projects.Project) {
	if r.profiles == nil {
		return Result{}, nil
	}
	msg := strings.ToLower(text)

	type scored struct {
		project projects.Project
		score   int
	}
	var results []scored
	for _, p := range r.registry.All() {
		prof, ok := r.profiles.Profile(p.ID)
		if !ok {
			continue
		}
		seen := make(map[string]bool)
		score := 0
		for _, term := range prof.Terms() {
			term = strings.ToLower(strings.TrimSpace(term))
			if utf8.RuneCountInString(term) < minTermLen || seen[term] {
				continue
			}
			seen[term] = true
			if containsTerm(msg, term) {
				score++
			}
		}
		if score > 0 {
			results = append(results, scored{p, score})
		}
	}
	if len(results) == 0 {
		return Result{}, nil
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	top := results[0].score
	if top < minKeywordScore {
		return Result{}, nil
	}
	var tied []projects.Project
	for _, s := range results {
		if s.score == top {
			tied = append(tied, s.project)
		}
	}
	if len(tied) > 1 {
		return Result{}, tied
	}
	return Result{ProjectID: tied[0].ID, Confidence: ConfidenceKeyword, Layer: 3, CleanedMessage: text}, nil
}

// containsTerm reports whether term occurs in msg on word boundaries.
func containsTerm(msg, term string) bool {
	for from := 0; from < len(msg); {
		i := strings.Index(msg[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryBefore(msg, start) && boundaryAfter(msg, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(msg[start:])
		from = start + size
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
