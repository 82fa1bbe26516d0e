package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/tinycrab/internal/cron"
)

// CronScheduleTool creates scheduled jobs from inside a conversation.
type CronScheduleTool struct {
	service *cron.Service
}

func NewCronScheduleTool(service *cron.Service) *CronScheduleTool {
	return &CronScheduleTool{service: service}
}

func (t *CronScheduleTool) Name() string { return "cron_schedule" }
func (t *CronScheduleTool) Description() string {
	return "Schedule a future or recurring agent task. Give exactly one of at, every_seconds, or cron."
}
func (t *CronScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable job name",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The instruction the agent runs when the job fires",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "One-shot fire time, RFC3339 (e.g. 2026-09-01T09:00:00Z)",
			},
			"every_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Recurring interval in seconds",
			},
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Standard 5-field cron expression",
			},
			"tz": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone for the cron expression (default UTC)",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "Deliver the agent's reply to a channel (default false)",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Channel to deliver the reply to",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Chat or recipient id for delivery",
			},
		},
		"required": []string{"name", "message"},
	}
}

func (t *CronScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	message, _ := args["message"].(string)
	if name == "" || message == "" {
		return ErrorResult("name and message are required")
	}

	atStr, _ := args["at"].(string)
	everySec, _ := args["every_seconds"].(float64)
	expr, _ := args["cron"].(string)

	given := 0
	for _, set := range []bool{atStr != "", everySec > 0, expr != ""} {
		if set {
			given++
		}
	}
	if given != 1 {
		return ErrorResult("give exactly one of at, every_seconds, or cron")
	}

	var schedule cron.Schedule
	deleteAfterRun := false
	switch {
	case atStr != "":
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid at time %q: %v", atStr, err))
		}
		schedule = cron.Schedule{Kind: "at", AtMs: at.UnixMilli()}
		deleteAfterRun = true
	case everySec > 0:
		schedule = cron.Schedule{Kind: "every", EveryMs: int64(everySec * 1000)}
	default:
		tz, _ := args["tz"].(string)
		schedule = cron.Schedule{Kind: "cron", Expr: expr, TZ: tz}
	}

	deliver, _ := args["deliver"].(bool)
	channel, _ := args["channel"].(string)
	to, _ := args["to"].(string)
	if deliver && (channel == "" || to == "") {
		return ErrorResult("deliver requires channel and to")
	}

	job, err := t.service.Add(name, schedule, cron.Payload{
		Kind:    "agentTurn",
		Message: message,
		Deliver: deliver,
		Channel: channel,
		To:      to,
	}, deleteAfterRun)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to schedule: %v", err)).WithError(err)
	}

	next := "never"
	if job.State.NextRunMs > 0 {
		next = time.UnixMilli(job.State.NextRunMs).UTC().Format(time.RFC3339)
	}
	return NewResult(fmt.Sprintf("scheduled job %s (%s), next run %s", job.ID, name, next))
}

// CronListTool lists scheduled jobs.
type CronListTool struct {
	service *cron.Service
}

func NewCronListTool(service *cron.Service) *CronListTool {
	return &CronListTool{service: service}
}

func (t *CronListTool) Name() string        { return "cron_list" }
func (t *CronListTool) Description() string { return "List scheduled jobs" }
func (t *CronListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_disabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Include disabled jobs (default false)",
			},
		},
	}
}

func (t *CronListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	includeDisabled, _ := args["include_disabled"].(bool)
	jobs := t.service.List(includeDisabled)
	if len(jobs) == 0 {
		return SilentResult("no scheduled jobs")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d jobs:\n", len(jobs))
	for _, job := range jobs {
		next := "never"
		if job.State.NextRunMs > 0 {
			next = time.UnixMilli(job.State.NextRunMs).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- %s %q next=%s", job.ID, job.Name, next)
		if !job.Enabled {
			b.WriteString(" (disabled)")
		}
		if job.State.LastStatus != "" {
			fmt.Fprintf(&b, " last=%s", job.State.LastStatus)
		}
		b.WriteString("\n")
	}
	return SilentResult(b.String())
}

// CronCancelTool removes a scheduled job.
type CronCancelTool struct {
	service *cron.Service
}

func NewCronCancelTool(service *cron.Service) *CronCancelTool {
	return &CronCancelTool{service: service}
}

func (t *CronCancelTool) Name() string        { return "cron_cancel" }
func (t *CronCancelTool) Description() string { return "Cancel a scheduled job by id" }
func (t *CronCancelTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id from cron_list or cron_schedule",
			},
		},
		"required": []string{"id"},
	}
}

func (t *CronCancelTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if !t.service.Remove(id) {
		return ErrorResult(fmt.Sprintf("job %s not found", id))
	}
	return NewResult(fmt.Sprintf("cancelled job %s", id))
}
