package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SpawnOptions are the optional knobs for one subagent run. Channel and
// ChatID override where the result is announced; empty values fall back to
// the manager's current routing context.
type SpawnOptions struct {
	Label          string
	TimeoutSeconds int
	Channel        string
	ChatID         string
}

// Spawner is implemented by the subagent manager. Tools talk to it through
// this interface so the registry never depends on the manager package.
type Spawner interface {
	// Spawn starts a background agent run and returns its id.
	Spawn(ctx context.Context, task string, opts SpawnOptions) (string, error)

	// Stop cancels a running subagent. Returns false when the id is
	// unknown or already finished.
	Stop(id string) bool

	// List returns current and recently finished subagents.
	List() []SpawnedInfo
}

// SpawnedInfo is a snapshot of one subagent run.
type SpawnedInfo struct {
	ID          string
	Label       string
	Task        string
	Status      string // "running", "done", "error", "stopped"
	StartedAtMs int64
}

// SpawnSubagentTool starts a background task on a fresh session. Subagents
// themselves must not spawn further subagents; the depth is capped at one.
type SpawnSubagentTool struct {
	spawner    Spawner
	isSubagent bool
}

func NewSpawnSubagentTool(spawner Spawner, isSubagent bool) *SpawnSubagentTool {
	return &SpawnSubagentTool{spawner: spawner, isSubagent: isSubagent}
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }
func (t *SpawnSubagentTool) Description() string {
	return "Run a task in a background subagent and get its result announced back when done"
}
func (t *SpawnSubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete task description for the subagent",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Optional short label for progress reporting",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Cancel the subagent after this many seconds (default none)",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Announce the result on this channel instead of the current conversation",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Chat id to announce the result to (with channel)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.isSubagent || IsSubagentCtx(ctx) {
		return ErrorResult("nested_spawn_blocked")
	}

	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	opts := SpawnOptions{}
	opts.Label, _ = args["label"].(string)
	opts.Channel, _ = args["channel"].(string)
	opts.ChatID, _ = args["chat_id"].(string)
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		opts.TimeoutSeconds = int(v)
	}

	id, err := t.spawner.Spawn(ctx, task, opts)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to spawn subagent: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("spawned subagent %s; its result will be announced when it finishes", id))
}

// StopSubagentTool cancels a running subagent.
type StopSubagentTool struct {
	spawner Spawner
}

func NewStopSubagentTool(spawner Spawner) *StopSubagentTool {
	return &StopSubagentTool{spawner: spawner}
}

func (t *StopSubagentTool) Name() string        { return "stop_subagent" }
func (t *StopSubagentTool) Description() string { return "Stop a running subagent by id" }
func (t *StopSubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Subagent id from spawn_subagent or list_subagents",
			},
		},
		"required": []string{"id"},
	}
}

func (t *StopSubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if !t.spawner.Stop(id) {
		return ErrorResult(fmt.Sprintf("subagent %s not found or already finished", id))
	}
	return NewResult(fmt.Sprintf("stopped subagent %s", id))
}

// ListSubagentsTool lists running and recent subagents.
type ListSubagentsTool struct {
	spawner Spawner
}

func NewListSubagentsTool(spawner Spawner) *ListSubagentsTool {
	return &ListSubagentsTool{spawner: spawner}
}

func (t *ListSubagentsTool) Name() string        { return "list_subagents" }
func (t *ListSubagentsTool) Description() string { return "List running and recently finished subagents" }
func (t *ListSubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListSubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	infos := t.spawner.List()
	if len(infos) == 0 {
		return SilentResult("no subagents")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d subagents:\n", len(infos))
	for _, info := range infos {
		started := time.UnixMilli(info.StartedAtMs).UTC().Format(time.RFC3339)
		fmt.Fprintf(&b, "- %s [%s] started %s", info.ID, info.Status, started)
		if info.Label != "" {
			fmt.Fprintf(&b, " %q", info.Label)
		}
		b.WriteString("\n")
	}
	return SilentResult(b.String())
}

// SubagentDeniedTools are removed from subagent registries so a spawned
// task cannot recurse or rewire the schedule underneath the main agent.
var SubagentDeniedTools = []string{
	"spawn_subagent",
	"stop_subagent",
	"list_subagents",
	"remember",
	"recall",
	"cron_schedule",
	"cron_list",
	"cron_cancel",
}
