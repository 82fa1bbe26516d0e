package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/tinycrab/internal/providers"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type echoTool struct {
	calls []map[string]interface{}
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.calls = append(t.calls, args)
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

func newSession(t *testing.T, p providers.Provider, cfg Config) *loopSession {
	t.Helper()
	return &loopSession{provider: p, cfg: cfg}
}

func TestPromptSimpleTurn(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hello back", FinishReason: "stop"},
	}}
	s := newSession(t, p, Config{})

	if err := s.Prompt(context.Background(), "hello"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	text, ok := s.LastAssistantText()
	if !ok || text != "hello back" {
		t.Errorf("LastAssistantText = %q, %v", text, ok)
	}
	if len(p.requests) != 1 || p.requests[0].Messages[0].Content != "hello" {
		t.Errorf("requests = %+v", p.requests)
	}
}

func TestPromptToolRound(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}

	tool := &echoTool{}
	registry := tools.NewRegistry()
	registry.Register(tool)

	s := newSession(t, p, Config{Tools: registry})
	if err := s.Prompt(context.Background(), "use the tool"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	if len(tool.calls) != 1 || tool.calls[0]["text"] != "ping" {
		t.Errorf("tool calls = %v", tool.calls)
	}

	// The second request carries the assistant tool-call message and the
	// tool result keyed by the call id.
	second := p.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "echo: ping" {
		t.Errorf("tool message = %+v", last)
	}
	if len(p.requests[0].Tools) != 1 || p.requests[0].Tools[0].Function.Name != "echo" {
		t.Errorf("tool defs = %+v", p.requests[0].Tools)
	}
}

func TestPromptIterationLimit(t *testing.T) {
	looping := make([]*providers.ChatResponse, maxToolIterations+1)
	for i := range looping {
		looping[i] = &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "c", Name: "missing", Arguments: nil}},
		}
	}
	p := &scriptedProvider{responses: looping}
	s := newSession(t, p, Config{Tools: tools.NewRegistry()})

	err := s.Prompt(context.Background(), "loop forever")
	if err == nil || !strings.Contains(err.Error(), "iteration limit") {
		t.Errorf("err = %v", err)
	}
}

func TestPromptAfterCloseFails(t *testing.T) {
	s := newSession(t, &scriptedProvider{}, Config{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Prompt(context.Background(), "x"); err == nil {
		t.Error("Prompt on closed session succeeded")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestContextUsageGrowsWithTranscript(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: strings.Repeat("x", 40_000), FinishReason: "stop"},
	}}
	s := newSession(t, p, Config{})

	before, _ := s.ContextUsage()
	if err := s.Prompt(context.Background(), "talk a lot"); err != nil {
		t.Fatal(err)
	}
	after, ok := s.ContextUsage()
	if !ok || after <= before {
		t.Errorf("usage %v -> %v", before, after)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()

	h, err := openHistory(dir)
	if err != nil {
		t.Fatalf("openHistory: %v", err)
	}
	msgs := []providers.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}},
		}},
		{Role: "tool", Content: "echo: ping", ToolCallID: "c1"},
	}
	for _, m := range msgs {
		if err := h.append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	h.close()

	h2, err := openHistory(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.close()

	loaded, err := h2.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != len(msgs) {
		t.Fatalf("loaded %d messages, want %d", len(loaded), len(msgs))
	}
	if loaded[0].Content != "be brief" || loaded[3].ToolCallID != "c1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded[2].ToolCalls) != 1 || loaded[2].ToolCalls[0].Name != "echo" {
		t.Errorf("tool calls = %+v", loaded[2].ToolCalls)
	}
}

func TestFactoryResumesPersistedHistory(t *testing.T) {
	dir := t.TempDir()

	h, err := openHistory(dir)
	if err != nil {
		t.Fatal(err)
	}
	h.append(providers.Message{Role: "system", Content: "sys"})
	h.append(providers.Message{Role: "user", Content: "earlier"})
	h.close()

	factory := NewLoopFactory()
	sess, err := factory(context.Background(), Config{
		Provider:   "openai",
		SessionDir: dir,
		// Existing transcript means the system prompt must not be re-added.
		SystemPrompt: "sys",
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer sess.Close()

	ls := sess.(*loopSession)
	if len(ls.messages) != 2 || ls.messages[1].Content != "earlier" {
		t.Errorf("resumed messages = %+v", ls.messages)
	}
}
