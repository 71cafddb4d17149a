// Package sessions picks which conversation on a project's agent-server a
// message should join.
package sessions

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/conductor/internal/agentclient"
)

// Strategy names how a session was chosen.
type Strategy string

const (
	StrategyUserSpecified Strategy = "user_specified"
	StrategyNewSession    Strategy = "new_session"
	StrategyCreateNew     Strategy = "create_new"
	StrategyActiveSession Strategy = "active_session"
	StrategyTopicMatch    Strategy = "topic_match"
	StrategyMostRecent    Strategy = "most_recent"
)

// ActiveWindow is how recently a session must have been updated to count as active.
const ActiveWindow = 5 * time.Minute

const (
	minTokenLen   = 3
	minTopicWords = 2
)

// Overrides are caller hints that short-circuit or bias targeting.
type Overrides struct {
	SessionID    string   `json:"sessionId,omitempty"`
	NewSession   bool     `json:"newSession,omitempty"`
	StrategyHint Strategy `json:"strategyHint,omitempty"`
	TitleKeyword string   `json:"titleKeyword,omitempty"`
}

// TargetResult is the chosen session. SessionID is empty when NeedsCreate is set.
type TargetResult struct {
	SessionID   string   `json:"sessionId,omitempty"`
	Strategy    Strategy `json:"strategy"`
	Confidence  float64  `json:"confidence"`
	NeedsCreate bool     `json:"needsCreate"`
}

// FindBestSession returns exactly one targeting decision for text.
func FindBestSession(list []agentclient.Session, text string, o Overrides, now time.Time) TargetResult {
	if o.SessionID != "" {
		return TargetResult{SessionID: o.SessionID, Strategy: StrategyUserSpecified, Confidence: 1.0}
	}
	if o.NewSession {
		return TargetResult{Strategy: StrategyNewSession, Confidence: 1.0, NeedsCreate: true}
	}
	if len(list) == 0 {
		return TargetResult{Strategy: StrategyCreateNew, Confidence: 0.3, NeedsCreate: true}
	}

	byRecent := make([]agentclient.Session, len(list))
	copy(byRecent, list)
	sort.SliceStable(byRecent, func(i, j int) bool { return byRecent[i].Time.Updated > byRecent[j].Time.Updated })

	if o.StrategyHint != StrategyMostRecent {
		if s := byRecent[0]; now.Sub(s.UpdatedAt()) <= ActiveWindow {
			return TargetResult{SessionID: s.ID, Strategy: StrategyActiveSession, Confidence: 0.9}
		}
	}

	if r, ok := topicMatch(byRecent, text, o.TitleKeyword); ok {
		return r
	}

	conf := 0.5
	if o.StrategyHint == StrategyMostRecent {
		conf = 0.8
	}
	return TargetResult{SessionID: byRecent[0].ID, Strategy: StrategyMostRecent, Confidence: conf}
}

// topicMatch expects sessions ordered most recent first; ties keep that order.
func topicMatch(sessions []agentclient.Session, text, keyword string) (TargetResult, bool) {
	if kw := strings.ToLower(strings.TrimSpace(keyword)); kw != "" {
		for _, s := range sessions {
			if strings.Contains(strings.ToLower(s.Title), kw) {
				return TargetResult{SessionID: s.ID, Strategy: StrategyTopicMatch, Confidence: 0.85}, true
			}
		}
	}

	words := tokenSet(text)
	if len(words) < minTopicWords {
		return TargetResult{}, false
	}
	best, bestScore := "", 0
	for _, s := range sessions {
		score := 0
		for w := range tokenSet(s.Title) {
			if words[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = s.ID, score
		}
	}
	if bestScore < minTopicWords {
		return TargetResult{}, false
	}
	return TargetResult{SessionID: best, Strategy: StrategyTopicMatch, Confidence: 0.7}, true
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) >= minTokenLen {
			out[f] = true
		}
	}
	return out
}
