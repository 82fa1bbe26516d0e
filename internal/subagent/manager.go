// Package subagent runs fire-and-forget background tasks on fresh LLM
// sessions with a restricted tool set, announcing results back to the
// conversation that spawned them.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const defaultCleanupAge = 30 * time.Minute

// Record tracks one subagent run.
type Record struct {
	ID            string `json:"id"`
	Label         string `json:"label,omitempty"`
	Task          string `json:"task"`
	SessionKey    string `json:"sessionKey"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	Channel       string `json:"channel,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	CompletedAtMs int64  `json:"completedAtMs,omitempty"`
	RuntimeMs     int64  `json:"runtimeMs,omitempty"`

	cancel context.CancelFunc
}

// Manager spawns and tracks subagents for one parent agent.
type Manager struct {
	mu        sync.Mutex
	subagents map[string]*Record

	factory runtime.Factory
	base    runtime.Config
	dir     string // session dirs for subagent runs
	router  bus.MessageRouter
	parent  string // parent agent id, part of subagent session keys

	// routing context: where announcements go, updated by the dispatch
	// loop before each inbound message.
	routeChannel string
	routeChatID  string

	wg sync.WaitGroup
}

func NewManager(factory runtime.Factory, base runtime.Config, dir string, router bus.MessageRouter, parent string) *Manager {
	return &Manager{
		subagents: make(map[string]*Record),
		factory:   factory,
		base:      base,
		dir:       dir,
		router:    router,
		parent:    parent,
	}
}

// SetRouting updates the announce destination for subsequently spawned
// subagents.
func (m *Manager) SetRouting(channel, chatID string) {
	m.mu.Lock()
	m.routeChannel = channel
	m.routeChatID = chatID
	m.mu.Unlock()
}

// Spawn starts a background run and returns its id immediately. The
// announce destination is opts.Channel/ChatID when given, otherwise the
// current routing context.
func (m *Manager) Spawn(ctx context.Context, task string, opts tools.SpawnOptions) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("subagent: empty task")
	}

	id := uuid.NewString()[:8]

	runCtx := context.Background()
	var cancel context.CancelFunc
	if opts.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(opts.TimeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	m.mu.Lock()
	channel, chatID := m.routeChannel, m.routeChatID
	if opts.Channel != "" {
		channel = opts.Channel
	}
	if opts.ChatID != "" {
		chatID = opts.ChatID
	}
	rec := &Record{
		ID:          id,
		Label:       opts.Label,
		Task:        task,
		SessionKey:  fmt.Sprintf("subagent:%s:%s", m.parent, id),
		Status:      StatusRunning,
		Channel:     channel,
		ChatID:      chatID,
		CreatedAtMs: time.Now().UnixMilli(),
		cancel:      cancel,
	}
	m.subagents[id] = rec
	m.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "label", opts.Label, "timeout_s", opts.TimeoutSeconds)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, rec)
	}()

	return id, nil
}

func (m *Manager) run(ctx context.Context, rec *Record) {
	ctx, span := otel.Tracer("tinycrab/subagent").Start(ctx, "subagent run",
		trace.WithAttributes(attribute.String("subagent.id", rec.ID)))
	defer span.End()

	cfg := m.base
	cfg.SessionDir = filepath.Join(m.dir, strings.ReplaceAll(rec.SessionKey, ":", "_"))
	if cfg.Tools != nil {
		cfg.Tools = cfg.Tools.Without(tools.SubagentDeniedTools...)
	}

	ctx = tools.WithSubagent(tools.WithSessionKey(ctx, rec.SessionKey))

	session, err := m.factory(ctx, cfg)
	if err != nil {
		m.finish(rec, "", fmt.Sprintf("session creation failed: %v", err))
		return
	}
	defer session.Close()

	prompt := fmt.Sprintf(
		"You are a subagent: a background task runner with a restricted tool set.\n"+
			"Session: %s, started %s.\n"+
			"Complete the following task and reply with your findings.\n\n%s",
		rec.SessionKey, time.UnixMilli(rec.CreatedAtMs).UTC().Format(time.RFC3339), rec.Task,
	)

	if err := session.Prompt(ctx, prompt); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			m.finish(rec, "", "Timeout exceeded")
		} else if ctx.Err() == context.Canceled {
			// Stopped by request; stop() already recorded and announced.
			return
		} else {
			m.finish(rec, "", err.Error())
		}
		return
	}

	result, ok := session.LastAssistantText()
	if !ok || result == "" {
		result = "Done"
	}
	m.finish(rec, result, "")
}

// finish records the outcome and announces it, unless the record was
// already finalized (by stop or timeout racing completion).
func (m *Manager) finish(rec *Record, result, errMsg string) {
	m.mu.Lock()
	if rec.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	rec.CompletedAtMs = now
	rec.RuntimeMs = now - rec.CreatedAtMs
	if errMsg != "" {
		rec.Status = StatusFailed
		rec.Error = errMsg
	} else {
		rec.Status = StatusCompleted
		rec.Result = result
	}
	snapshot := *rec
	m.mu.Unlock()

	if snapshot.Status == StatusFailed {
		slog.Warn("subagent failed", "id", snapshot.ID, "error", snapshot.Error)
	} else {
		slog.Info("subagent completed", "id", snapshot.ID, "runtime_ms", snapshot.RuntimeMs)
	}
	m.announce(snapshot)
}

func (m *Manager) announce(rec Record) {
	if m.router == nil || rec.Channel == "" {
		return
	}

	label := ""
	if rec.Label != "" {
		label = fmt.Sprintf(" (%s)", rec.Label)
	}

	var b strings.Builder
	if rec.Status == StatusCompleted {
		fmt.Fprintf(&b, "[Subagent %s%s completed successfully]\n\n%s", rec.ID, label, rec.Result)
	} else {
		fmt.Fprintf(&b, "[Subagent %s%s failed]\n\n%s", rec.ID, label, rec.Error)
	}
	fmt.Fprintf(&b, "\n\nRuntime: %.1fs", float64(rec.RuntimeMs)/1000)

	m.router.PublishOutbound(bus.OutboundMessage{
		Channel: rec.Channel,
		ChatID:  rec.ChatID,
		Content: b.String(),
		Metadata: map[string]string{
			"subagent_id":     rec.ID,
			"subagent_status": rec.Status,
		},
	})
}

// Stop cancels a running subagent and announces the stop. Returns false
// when the id is unknown or already finished.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	rec, ok := m.subagents[id]
	if !ok || rec.Status != StatusRunning {
		m.mu.Unlock()
		return false
	}
	now := time.Now().UnixMilli()
	rec.Status = StatusCompleted
	rec.Result = "Stopped by request"
	rec.CompletedAtMs = now
	rec.RuntimeMs = now - rec.CreatedAtMs
	cancel := rec.cancel
	snapshot := *rec
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("subagent stopped", "id", id)
	m.announce(snapshot)
	return true
}

// Get returns a copy of one record.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subagents[id]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// ListRecords returns all records, optionally filtered by status.
func (m *Manager) ListRecords(status string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.subagents))
	for _, rec := range m.subagents {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// List implements tools.Spawner.
func (m *Manager) List() []tools.SpawnedInfo {
	records := m.ListRecords("")
	infos := make([]tools.SpawnedInfo, 0, len(records))
	for _, rec := range records {
		status := rec.Status
		if status == StatusCompleted {
			status = "done"
		} else if status == StatusFailed {
			status = "error"
		}
		infos = append(infos, tools.SpawnedInfo{
			ID:          rec.ID,
			Label:       rec.Label,
			Task:        rec.Task,
			Status:      status,
			StartedAtMs: rec.CreatedAtMs,
		})
	}
	return infos
}

// Cleanup drops finished records older than maxAge (default 30 minutes).
func (m *Manager) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = defaultCleanupAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.subagents {
		if rec.Status != StatusRunning && rec.CompletedAtMs > 0 && rec.CompletedAtMs < cutoff {
			delete(m.subagents, id)
			removed++
		}
	}
	return removed
}

// Close cancels every running subagent and waits for workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, rec := range m.subagents {
		if rec.Status == StatusRunning && rec.cancel != nil {
			rec.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
