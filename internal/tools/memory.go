package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/tinycrab/internal/memory"
)

// RememberTool stores a fact in long-term memory.
type RememberTool struct {
	store *memory.Store
}

func NewRememberTool(store *memory.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Store an important fact in long-term memory so it survives context compaction"
}
func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember",
			},
			"importance": map[string]interface{}{
				"type":        "number",
				"description": "Importance from 0.0 to 1.0 (default 0.5)",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tags for later filtering",
			},
			"shared": map[string]interface{}{
				"type":        "boolean",
				"description": "Store globally instead of private to this conversation (default false)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	importance := 0.5
	if v, ok := args["importance"].(float64); ok {
		importance = v
	}

	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}

	sessionID := SessionKeyFromCtx(ctx)
	if shared, _ := args["shared"].(bool); shared {
		sessionID = ""
	}

	entry, err := t.store.Add(content, importance, tags, sessionID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to store memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("remembered (id %s)", entry.ID))
}

// RecallTool searches long-term memory.
type RecallTool struct {
	store *memory.Store
}

func NewRecallTool(store *memory.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Search long-term memory for previously stored facts"
}
func (t *RecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search for",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Only return entries carrying all of these tags",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum results (default 10)",
			},
		},
	}
}

func (t *RecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)

	var tags []string
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
	}

	limit := 0
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}

	results, err := t.store.Search(memory.SearchOptions{
		Query:      query,
		Tags:       tags,
		SessionID:  SessionKeyFromCtx(ctx),
		MaxResults: limit,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(results) == 0 {
		return SilentResult("no matching memories")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d memories:\n", len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "- %s", r.Content)
		if len(r.Tags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(r.Tags, ", "))
		}
		b.WriteString("\n")
	}
	return SilentResult(b.String())
}
