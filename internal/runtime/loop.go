package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/tinycrab/internal/providers"
)

const (
	maxToolIterations = 20

	// defaultContextWindow is the assumed window when the model is unknown.
	// Context usage is a chars/4 estimate — good enough for the
	// pre-compaction flush threshold, not for billing.
	defaultContextWindow = 128_000
)

// NewLoopFactory returns a Factory producing tool-calling loop sessions
// backed by an OpenAI-compatible provider. The API key is taken from the
// config's auth store at session creation.
func NewLoopFactory() Factory {
	return func(ctx context.Context, cfg Config) (Session, error) {
		apiKey := ""
		if cfg.Auth != nil {
			apiKey = cfg.Auth.Get(cfg.Provider)
		}
		provider := providers.New(cfg.Provider, apiKey, "", cfg.Model)

		var history *historyStore
		var msgs []providers.Message
		if cfg.SessionDir != "" {
			h, err := openHistory(cfg.SessionDir)
			if err != nil {
				return nil, err
			}
			loaded, err := h.load()
			if err != nil {
				h.close()
				return nil, err
			}
			history = h
			msgs = loaded
		}

		if len(msgs) == 0 && cfg.SystemPrompt != "" {
			sys := providers.Message{Role: "system", Content: cfg.SystemPrompt}
			msgs = append(msgs, sys)
			if history != nil {
				if err := history.append(sys); err != nil {
					history.close()
					return nil, err
				}
			}
		}

		return &loopSession{
			provider: provider,
			cfg:      cfg,
			history:  history,
			messages: msgs,
		}, nil
	}
}

// loopSession runs the bounded tool-calling loop over a chat-completions
// provider. One Prompt call is one full user turn including tool rounds.
type loopSession struct {
	mu       sync.Mutex
	provider providers.Provider
	cfg      Config
	history  *historyStore
	messages []providers.Message
	lastText string
	hasReply bool
	closed   bool
}

func (s *loopSession) Prompt(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("runtime: session closed")
	}

	if err := s.push(providers.Message{Role: "user", Content: text}); err != nil {
		return err
	}

	var toolDefs []providers.ToolDefinition
	if s.cfg.Tools != nil {
		toolDefs = s.cfg.Tools.ProviderDefs()
	}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := s.provider.Chat(ctx, providers.ChatRequest{
			Messages: s.messages,
			Tools:    toolDefs,
			Model:    s.cfg.Model,
		})
		if err != nil {
			return fmt.Errorf("runtime: chat: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if err := s.push(providers.Message{Role: "assistant", Content: resp.Content}); err != nil {
				return err
			}
			s.lastText = resp.Content
			s.hasReply = true
			return nil
		}

		if err := s.push(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}); err != nil {
			return err
		}

		for _, tc := range resp.ToolCalls {
			slog.Debug("tool call", "tool", tc.Name)
			var forLLM string
			if s.cfg.Tools == nil {
				forLLM = fmt.Sprintf("tool %s is not available", tc.Name)
			} else {
				result := s.cfg.Tools.Execute(ctx, tc.Name, tc.Arguments)
				forLLM = result.ForLLM
			}
			if err := s.push(providers.Message{
				Role:       "tool",
				Content:    forLLM,
				ToolCallID: tc.ID,
			}); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("runtime: tool iteration limit reached (%d)", maxToolIterations)
}

// push appends a message to the in-memory transcript and the durable
// history together.
func (s *loopSession) push(m providers.Message) error {
	s.messages = append(s.messages, m)
	if s.history != nil {
		return s.history.append(m)
	}
	return nil
}

func (s *loopSession) LastAssistantText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText, s.hasReply
}

func (s *loopSession) ContextUsage() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chars := 0
	for _, m := range s.messages {
		chars += len(m.Content)
	}
	estTokens := float64(chars) / 4
	return estTokens / defaultContextWindow, true
}

func (s *loopSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.history != nil {
		return s.history.close()
	}
	return nil
}
