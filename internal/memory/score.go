package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

const recencyHalfLife = 7 * 24 * time.Hour

// Weights controls the blend of the three sub-scores.
type Weights struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
}

// DefaultWeights favors relevance, then recency.
var DefaultWeights = Weights{Recency: 0.3, Importance: 0.2, Relevance: 0.5}

// SearchOptions filter and rank a search.
type SearchOptions struct {
	Query      string
	Tags       []string
	SessionID  string // empty = no session filter (returns all entries)
	MaxResults int    // default 10
	MinScore   float64
	Weights    *Weights
}

// ScoredEntry pairs an entry with its ranking score.
type ScoredEntry struct {
	Entry
	Score float64 `json:"score"`
}

// Search filters entries by scope and tags, ranks them by the weighted
// score, and returns up to MaxResults entries with score >= MinScore.
//
// Scope rule: with a session id, global entries plus that session's private
// entries match; without one, every entry matches.
func (s *Store) Search(opts SearchOptions) ([]ScoredEntry, error) {
	s.mu.Lock()
	entries, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	weights := DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	now := time.Now().UnixMilli()
	var results []ScoredEntry
	for _, e := range entries {
		if opts.SessionID != "" && e.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if len(opts.Tags) > 0 && !tagsIntersect(e.Tags, opts.Tags) {
			continue
		}

		score := weights.Recency*recencyScore(e.CreatedAt, now) +
			weights.Importance*e.Importance +
			weights.Relevance*relevanceScore(opts.Query, e.Content)
		if score < opts.MinScore {
			continue
		}
		results = append(results, ScoredEntry{Entry: e, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// recencyScore decays exponentially with age over a 7-day scale.
func recencyScore(createdAtMs, nowMs int64) float64 {
	age := float64(nowMs - createdAtMs)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / float64(recencyHalfLife.Milliseconds()))
}

// relevanceScore is the fraction of query tokens (length > 2, lowercased)
// found as substrings of the lowercased content. With no usable tokens the
// score is a neutral 0.5.
func relevanceScore(query, content string) float64 {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) > 2 {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return 0.5
	}

	lower := strings.ToLower(content)
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}
