// Package runtime defines the LLM-session façade the rest of tinycrab is
// built against, plus the built-in tool-calling implementation.
//
// Any implementation satisfying Session is acceptable; implementations are
// expected to persist their own conversation history to the session
// directory they are given.
package runtime

import (
	"context"
	"os"
	"sync"

	"github.com/nextlevelbuilder/tinycrab/internal/tools"
)

// Session is one live LLM conversation.
type Session interface {
	// Prompt advances the conversation by one turn, executing tool calls
	// opaquely. The assistant's reply is retrieved via LastAssistantText.
	Prompt(ctx context.Context, text string) error

	// LastAssistantText returns the most recent assistant reply, if any.
	LastAssistantText() (string, bool)

	// ContextUsage returns the fraction of the context window consumed,
	// if the implementation tracks it. Used for pre-compaction hints.
	ContextUsage() (float64, bool)

	// Close releases session resources. Safe to call more than once.
	Close() error
}

// Config carries everything needed to construct a session.
type Config struct {
	Model         string
	Provider      string
	SystemPrompt  string
	WorkspacePath string
	SessionDir    string // implementation-owned persistence root
	Auth          *AuthStore
	Tools         *tools.Registry // nil = no tools
}

// Factory constructs sessions. The session manager, subagent manager, and
// orchestrator all create sessions through one of these.
type Factory func(ctx context.Context, cfg Config) (Session, error)

// AuthStore holds provider API keys strictly in memory.
type AuthStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewAuthStore() *AuthStore {
	return &AuthStore{keys: make(map[string]string)}
}

// Set stores the API key for a provider.
func (a *AuthStore) Set(provider, key string) {
	a.mu.Lock()
	a.keys[provider] = key
	a.mu.Unlock()
}

// Get returns the API key for a provider.
func (a *AuthStore) Get(provider string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keys[provider]
}

// ConsumeEnv reads the key for provider from envVar, stores it, and deletes
// the variable from the process environment so child processes and
// diagnostics never see it.
func (a *AuthStore) ConsumeEnv(provider, envVar string) bool {
	key := os.Getenv(envVar)
	if key == "" {
		return false
	}
	a.Set(provider, key)
	os.Unsetenv(envVar)
	return true
}
