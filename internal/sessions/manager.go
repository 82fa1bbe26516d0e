package sessions

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
)

const (
	DefaultMaxSessions = 100
	DefaultTTL         = 30 * time.Minute
)

// Manager is the per-agent session cache: at most one live session per key,
// single-flight creation, strict per-key turn serialization, LRU eviction
// and TTL cleanup.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry

	sf      singleflight.Group
	factory runtime.Factory
	base    runtime.Config // template; SessionDir derived per key
	dir     string         // sessions root directory

	maxSessions int
	ttl         time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

type entry struct {
	key          string
	session      runtime.Session
	createdAt    int64
	lastAccessed int64 // unix ms, guarded by Manager.mu
	turnMu       sync.Mutex
}

// NewManager creates a session manager. base is the session config
// template; each session gets its own SessionDir under dir.
func NewManager(factory runtime.Factory, base runtime.Config, dir string, maxSessions int, ttl time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m := &Manager{
		sessions:    make(map[string]*entry),
		factory:     factory,
		base:        base,
		dir:         dir,
		maxSessions: maxSessions,
		ttl:         ttl,
		stop:        make(chan struct{}),
	}

	interval := ttl / 6
	if interval < time.Minute {
		interval = time.Minute
	}
	go m.cleanupLoop(interval)

	return m
}

// GetOrCreate resolves the session for the given parts, creating it if
// needed.
func (m *Manager) GetOrCreate(ctx context.Context, channel, chatID, threadID string) (runtime.Session, error) {
	return m.GetOrCreateByKey(ctx, BuildKey(channel, chatID, threadID))
}

// GetOrCreateByKey resolves the session for a canonical key. Concurrent
// calls for the same key share one construction (single-flight); at most
// one session object per key exists at any instant.
func (m *Manager) GetOrCreateByKey(ctx context.Context, key string) (runtime.Session, error) {
	e, err := m.getOrCreateEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

func (m *Manager) getOrCreateEntry(ctx context.Context, key string) (*entry, error) {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	if e, ok := m.sessions[key]; ok {
		e.lastAccessed = now
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		if e, ok := m.sessions[key]; ok {
			e.lastAccessed = time.Now().UnixMilli()
			m.mu.Unlock()
			return e, nil
		}

		// Room must be made before installing. The victim is removed from
		// the map synchronously; its close runs in the background and the
		// new session does not wait for it.
		if len(m.sessions) >= m.maxSessions {
			if victim := m.lruVictimLocked(); victim != nil {
				delete(m.sessions, victim.key)
				go m.closeEntry(victim)
				slog.Debug("session evicted", "key", victim.key)
			}
		}
		m.mu.Unlock()

		cfg := m.base
		cfg.SessionDir = filepath.Join(m.dir, sanitizeKey(key))
		session, err := m.factory(ctx, cfg)
		if err != nil {
			return nil, err
		}

		e := &entry{
			key:          key,
			session:      session,
			createdAt:    time.Now().UnixMilli(),
			lastAccessed: time.Now().UnixMilli(),
		}
		m.mu.Lock()
		m.sessions[key] = e
		m.mu.Unlock()

		slog.Debug("session created", "key", key)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// WithSession resolves the session for parts and runs fn on it, serialized
// after every earlier turn on the same key. Turns on different keys run
// concurrently. fn runs even when the previous turn failed; its error
// propagates to this caller only.
func (m *Manager) WithSession(ctx context.Context, channel, chatID, threadID string, fn func(runtime.Session) error) error {
	return m.WithSessionKey(ctx, BuildKey(channel, chatID, threadID), fn)
}

// WithSessionKey is WithSession for a pre-built canonical key.
func (m *Manager) WithSessionKey(ctx context.Context, key string, fn func(runtime.Session) error) error {
	e, err := m.getOrCreateEntry(ctx, key)
	if err != nil {
		return err
	}

	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	m.mu.Lock()
	e.lastAccessed = time.Now().UnixMilli()
	m.mu.Unlock()

	return fn(e.session)
}

// lruVictimLocked picks the least-recently-accessed entry. Caller holds mu.
func (m *Manager) lruVictimLocked() *entry {
	var victim *entry
	for _, e := range m.sessions {
		if victim == nil || e.lastAccessed < victim.lastAccessed {
			victim = e
		}
	}
	return victim
}

// closeEntry drains the entry's turn chain, then closes the session.
func (m *Manager) closeEntry(e *entry) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	if err := e.session.Close(); err != nil {
		slog.Warn("session close failed", "key", e.key, "error", err)
	}
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Manager) evictExpired() {
	cutoff := time.Now().Add(-m.ttl).UnixMilli()

	m.mu.Lock()
	var expired []*entry
	for key, e := range m.sessions {
		if e.lastAccessed < cutoff {
			delete(m.sessions, key)
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		slog.Debug("session expired", "key", e.key)
		go m.closeEntry(e)
	}
}

// Keys returns the cached session keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	return keys
}

// Count returns the number of cached sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the cleanup loop and closes every session synchronously.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	remaining := make([]*entry, 0, len(m.sessions))
	for key, e := range m.sessions {
		delete(m.sessions, key)
		remaining = append(remaining, e)
	}
	m.mu.Unlock()

	for _, e := range remaining {
		m.closeEntry(e)
	}
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
