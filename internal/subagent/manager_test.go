package subagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
)

// scriptedSession replies with a fixed text after an optional delay.
type scriptedSession struct {
	reply string
	delay time.Duration

	mu       sync.Mutex
	prompted string
	hasReply bool
}

func (s *scriptedSession) Prompt(ctx context.Context, text string) error {
	s.mu.Lock()
	s.prompted = text
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.hasReply = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedSession) LastAssistantText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply, s.hasReply
}

func (s *scriptedSession) ContextUsage() (float64, bool) { return 0, false }
func (s *scriptedSession) Close() error                  { return nil }

func collectOutbound(b *bus.MessageBus, channel string) (*sync.Mutex, *[]bus.OutboundMessage) {
	var mu sync.Mutex
	var msgs []bus.OutboundMessage
	b.SubscribeOutbound(channel, func(msg bus.OutboundMessage) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	return &mu, &msgs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSpawnAnnouncesResult(t *testing.T) {
	b := bus.NewMessageBus()
	mu, msgs := collectOutbound(b, "cli")

	session := &scriptedSession{reply: "found 3 issues"}
	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return session, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), b, "main")
	defer m.Close()
	m.SetRouting("cli", "alice")

	id, err := m.Spawn(context.Background(), "audit the repo", tools.SpawnOptions{Label: "audit"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(id) != 8 {
		t.Errorf("id %q not 8 chars", id)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*msgs) == 1
	})

	mu.Lock()
	got := (*msgs)[0]
	mu.Unlock()
	if got.ChatID != "alice" {
		t.Errorf("announce chat = %q", got.ChatID)
	}
	if !strings.Contains(got.Content, "[Subagent "+id+" (audit) completed successfully]") {
		t.Errorf("announce header missing: %q", got.Content)
	}
	if !strings.Contains(got.Content, "found 3 issues") {
		t.Errorf("announce body missing result: %q", got.Content)
	}

	rec, ok := m.Get(id)
	if !ok || rec.Status != StatusCompleted || rec.RuntimeMs < 0 {
		t.Errorf("record = %+v", rec)
	}
	if rec.SessionKey != "subagent:main:"+id {
		t.Errorf("session key = %q", rec.SessionKey)
	}
}

func TestSpawnExplicitRequesterOverridesRouting(t *testing.T) {
	b := bus.NewMessageBus()
	cliMu, cliMsgs := collectOutbound(b, "cli")
	tgMu, tgMsgs := collectOutbound(b, "telegram")

	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return &scriptedSession{reply: "report ready"}, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), b, "main")
	defer m.Close()
	m.SetRouting("cli", "alice")

	_, err := m.Spawn(context.Background(), "compile the report", tools.SpawnOptions{
		Channel: "telegram",
		ChatID:  "ops-room",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitFor(t, func() bool {
		tgMu.Lock()
		defer tgMu.Unlock()
		return len(*tgMsgs) == 1
	})

	tgMu.Lock()
	got := (*tgMsgs)[0]
	tgMu.Unlock()
	if got.ChatID != "ops-room" || !strings.Contains(got.Content, "completed successfully") {
		t.Errorf("announce = %+v", got)
	}

	cliMu.Lock()
	defer cliMu.Unlock()
	if len(*cliMsgs) != 0 {
		t.Errorf("routing-context channel received %d announces", len(*cliMsgs))
	}
}

func TestSpawnPartialOverrideKeepsContextChat(t *testing.T) {
	b := bus.NewMessageBus()
	mu, msgs := collectOutbound(b, "telegram")

	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return &scriptedSession{reply: "ok"}, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), b, "main")
	defer m.Close()
	m.SetRouting("cli", "alice")

	if _, err := m.Spawn(context.Background(), "task", tools.SpawnOptions{Channel: "telegram"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*msgs) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if (*msgs)[0].ChatID != "alice" {
		t.Errorf("chat id = %q, want routing-context fallback", (*msgs)[0].ChatID)
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	b := bus.NewMessageBus()
	mu, msgs := collectOutbound(b, "cli")

	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return &scriptedSession{reply: "never", delay: 10 * time.Second}, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), b, "main")
	defer m.Close()
	m.SetRouting("cli", "alice")

	id, err := m.Spawn(context.Background(), "slow task", tools.SpawnOptions{TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitFor(t, func() bool {
		rec, _ := m.Get(id)
		return rec != nil && rec.Status == StatusFailed
	})

	rec, _ := m.Get(id)
	if rec.Error != "Timeout exceeded" {
		t.Errorf("error = %q", rec.Error)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*msgs) == 1
	})
	mu.Lock()
	content := (*msgs)[0].Content
	mu.Unlock()
	if !strings.Contains(content, "failed") || !strings.Contains(content, "Timeout exceeded") {
		t.Errorf("failure announce = %q", content)
	}
}

func TestStopRunningSubagent(t *testing.T) {
	b := bus.NewMessageBus()
	mu, msgs := collectOutbound(b, "cli")

	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return &scriptedSession{reply: "never", delay: 10 * time.Second}, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), b, "main")
	defer m.Close()
	m.SetRouting("cli", "alice")

	id, _ := m.Spawn(context.Background(), "long task", tools.SpawnOptions{})
	waitFor(t, func() bool {
		rec, ok := m.Get(id)
		return ok && rec.Status == StatusRunning
	})

	if !m.Stop(id) {
		t.Fatal("Stop returned false for running subagent")
	}
	if m.Stop(id) {
		t.Error("Stop returned true for already stopped subagent")
	}

	rec, _ := m.Get(id)
	if rec.Status != StatusCompleted || rec.Result != "Stopped by request" {
		t.Errorf("record after stop = %+v", rec)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*msgs) == 1
	})
}

func TestCleanupDropsOldFinished(t *testing.T) {
	factory := func(ctx context.Context, cfg runtime.Config) (runtime.Session, error) {
		return &scriptedSession{reply: "ok"}, nil
	}
	m := NewManager(factory, runtime.Config{}, t.TempDir(), bus.NewMessageBus(), "main")
	defer m.Close()

	id, _ := m.Spawn(context.Background(), "quick", tools.SpawnOptions{})
	waitFor(t, func() bool {
		rec, _ := m.Get(id)
		return rec != nil && rec.Status == StatusCompleted
	})

	// Fresh finish is retained.
	if removed := m.Cleanup(time.Minute); removed != 0 {
		t.Errorf("Cleanup removed %d fresh records", removed)
	}

	// Backdate and clean again.
	m.mu.Lock()
	m.subagents[id].CompletedAtMs = time.Now().Add(-time.Hour).UnixMilli()
	m.mu.Unlock()

	if removed := m.Cleanup(30 * time.Minute); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if _, ok := m.Get(id); ok {
		t.Error("record survived cleanup")
	}
}
