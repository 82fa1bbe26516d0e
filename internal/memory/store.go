// Package memory implements the append-only structured memory store.
//
// Entries are JSON lines in a single entries.jsonl file owned by one agent
// server. Entries are never mutated or deleted after creation. Global
// entries (no session id) are visible to every search; session-scoped
// entries only to searches carrying the same session id.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one remembered fact.
type Entry struct {
	ID         string   `json:"id"`
	CreatedAt  int64    `json:"createdAt"` // unix ms
	Content    string   `json:"content"`
	Importance float64  `json:"importance"` // [0,1]
	Tags       []string `json:"tags,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"` // empty = global
}

// Store is a single-writer append-only memory store backed by a JSONL file.
type Store struct {
	mu    sync.Mutex // serializes writes and cache access
	path  string
	cache []Entry // nil = not loaded; reloaded lazily after invalidation
}

// NewStore opens (or prepares) the store under dir. The entries file is
// created on first append.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "entries.jsonl")}, nil
}

// Add appends a new entry and returns it with id and timestamp assigned.
// importance is clamped to [0,1]. sessionID may be empty (global entry).
func (s *Store) Add(content string, importance float64, tags []string, sessionID string) (*Entry, error) {
	if importance < 0 {
		importance = 0
	} else if importance > 1 {
		importance = 1
	}

	entry := Entry{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UnixMilli(),
		Content:    content,
		Importance: importance,
		Tags:       tags,
		SessionID:  sessionID,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("memory: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("memory: close: %w", err)
	}

	s.cache = nil
	return &entry, nil
}

// loadLocked reads all entries into the cache. Malformed lines are skipped.
// Caller must hold s.mu.
func (s *Store) loadLocked() ([]Entry, error) {
	if s.cache != nil {
		return s.cache, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache = []Entry{}
			return s.cache, nil
		}
		return nil, fmt.Errorf("memory: read: %w", err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if entries == nil {
		entries = []Entry{}
	}
	s.cache = entries
	return s.cache, nil
}

// Get returns an entry by id.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

// List returns entries in insertion order, filtered by tags when given.
// offset/limit page through the filtered set; limit<=0 means no limit.
func (s *Store) List(limit, offset int, tags []string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if len(tags) > 0 && !tagsIntersect(e.Tags, tags) {
			continue
		}
		filtered = append(filtered, e)
	}

	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Count returns the number of entries, filtered by tags when given.
func (s *Store) Count(tags []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	if len(tags) == 0 {
		return len(entries), nil
	}
	count := 0
	for _, e := range entries {
		if tagsIntersect(e.Tags, tags) {
			count++
		}
	}
	return count, nil
}

// Close releases the in-memory cache. The store may be reused; the cache
// reloads lazily.
func (s *Store) Close() error {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
	return nil
}

// tagsIntersect reports whether any tag in want matches a tag in have,
// case-insensitively.
func tagsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}
