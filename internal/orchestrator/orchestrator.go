// Package orchestrator runs the in-process dispatch loop: it consumes the
// inbound bus, routes turns through the session cache, executes cron
// payloads, and publishes replies outbound.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/internal/cron"
	"github.com/nextlevelbuilder/tinycrab/internal/runtime"
	"github.com/nextlevelbuilder/tinycrab/internal/sessions"
	"github.com/nextlevelbuilder/tinycrab/internal/subagent"
	"github.com/nextlevelbuilder/tinycrab/internal/tools"
)

// defaultFlushThreshold is the context usage fraction that triggers a
// silent memory flush before the next user turn.
const defaultFlushThreshold = 0.80

const flushPrompt = "Your context window is nearly full and older messages will be " +
	"compacted away. Review the conversation and call the remember tool for any " +
	"facts, decisions, or open tasks worth preserving. If nothing needs saving, " +
	"reply with exactly NO_REPLY."

// Orchestrator glues the bus, session cache, subagent manager, and cron
// service together for one agent.
type Orchestrator struct {
	router    bus.MessageRouter
	sessions  *sessions.Manager
	subagents *subagent.Manager

	// FlushThreshold overrides defaultFlushThreshold when > 0.
	FlushThreshold float64
}

func New(router bus.MessageRouter, mgr *sessions.Manager, subagents *subagent.Manager) *Orchestrator {
	return &Orchestrator{router: router, sessions: mgr, subagents: subagents}
}

// Run consumes inbound messages until ctx is cancelled. Messages are
// handled one at a time; per-key ordering is enforced by the session cache
// anyway, and a single-file loop keeps routing context updates race-free.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("orchestrator loop started")
	for {
		msg, ok := o.router.ConsumeInbound(ctx)
		if !ok {
			slog.Info("orchestrator loop stopped")
			return
		}
		o.handleInbound(ctx, msg)
	}
}

func (o *Orchestrator) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if o.subagents != nil {
		o.subagents.SetRouting(msg.Channel, msg.ChatID)
	}

	content := strings.TrimSpace(msg.Content)
	switch {
	case strings.HasPrefix(content, "/spawn "):
		o.handleSpawnCommand(ctx, msg, strings.TrimSpace(strings.TrimPrefix(content, "/spawn ")))
		return
	case content == "/status":
		o.reply(msg, o.statusText())
		return
	}

	ctx, span := otel.Tracer("tinycrab/orchestrator").Start(ctx, "inbound turn")
	span.SetAttributes(
		attribute.String("channel", msg.Channel),
		attribute.String("chat.id", msg.ChatID),
	)
	defer span.End()

	key := sessions.BuildKey(msg.Channel, msg.ChatID, msg.Metadata["thread_id"])
	ctx = tools.WithSessionKey(ctx, key)

	var response string
	err := o.sessions.WithSessionKey(ctx, key, func(sess runtime.Session) error {
		o.maybeFlushMemory(ctx, key, sess)
		if err := sess.Prompt(ctx, msg.Content); err != nil {
			return err
		}
		text, _ := sess.LastAssistantText()
		response = text
		return nil
	})
	if err != nil {
		span.RecordError(err)
		slog.Error("turn failed", "key", key, "error", err)
		o.reply(msg, fmt.Sprintf("Error: %v", err))
		return
	}
	if response != "" {
		o.reply(msg, response)
	}
}

func (o *Orchestrator) handleSpawnCommand(ctx context.Context, msg bus.InboundMessage, task string) {
	if o.subagents == nil {
		o.reply(msg, "Subagents are not available.")
		return
	}
	if task == "" {
		o.reply(msg, "Usage: /spawn <task>")
		return
	}
	id, err := o.subagents.Spawn(ctx, task, tools.SpawnOptions{})
	if err != nil {
		o.reply(msg, fmt.Sprintf("Spawn failed: %v", err))
		return
	}
	o.reply(msg, fmt.Sprintf("Spawned subagent %s. Its result will be announced here.", id))
}

func (o *Orchestrator) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Active sessions: %d\n", o.sessions.Count())
	if o.subagents != nil {
		running := len(o.subagents.ListRecords(subagent.StatusRunning))
		fmt.Fprintf(&b, "Running subagents: %d\n", running)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) reply(msg bus.InboundMessage, content string) {
	o.router.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}

// maybeFlushMemory issues a silent remember-or-NO_REPLY turn when the
// session is close to compaction. Failures are logged and ignored; the
// user turn proceeds regardless.
func (o *Orchestrator) maybeFlushMemory(ctx context.Context, key string, sess runtime.Session) {
	threshold := o.FlushThreshold
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}

	usage, ok := sess.ContextUsage()
	if !ok || usage < threshold {
		return
	}

	slog.Info("pre-compaction memory flush", "key", key, "usage", usage)
	if err := sess.Prompt(ctx, flushPrompt); err != nil {
		slog.Warn("memory flush failed", "key", key, "error", err)
	}
}

// ExecuteJob is the cron run handler: systemEvent payloads are injected
// inbound on the "cron" channel, agentTurn payloads run an isolated
// session turn with optional outbound delivery.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *cron.Job) error {
	ctx, span := otel.Tracer("tinycrab/orchestrator").Start(ctx, "cron job")
	span.SetAttributes(attribute.String("job.id", job.ID))
	defer span.End()

	switch job.Payload.Kind {
	case "systemEvent":
		o.router.PublishInbound(bus.InboundMessage{
			Channel:  "cron",
			SenderID: "cron",
			ChatID:   job.ID,
			Content:  job.Payload.Text,
		})
		return nil

	case "agentTurn":
		key := sessions.BuildKey("cron", job.ID, "")
		ctx := tools.WithSessionKey(ctx, key)

		var response string
		err := o.sessions.WithSessionKey(ctx, key, func(sess runtime.Session) error {
			if err := sess.Prompt(ctx, job.Payload.Message); err != nil {
				return err
			}
			text, _ := sess.LastAssistantText()
			response = text
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("orchestrator: cron turn: %w", err)
		}

		if job.Payload.Deliver && job.Payload.Channel != "" && response != "" {
			o.router.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: response,
				Metadata: map[string]string{
					"cron_job_id": job.ID,
				},
			})
		}
		return nil
	}

	return fmt.Errorf("orchestrator: unknown payload kind %q", job.Payload.Kind)
}
