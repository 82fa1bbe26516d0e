// Package tools provides the tool registry exposed to LLM sessions:
// workspace filesystem access, structured memory, cron scheduling, and
// subagent management.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/tinycrab/internal/providers"
)

// Tool is a single capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tool set for one session, preserving registration
// order for stable provider definitions.
type Registry struct {
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the tool but keeps
// its original position.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Without returns a copy of the registry with the named tools removed.
// Used to build restricted subagent tool sets.
func (r *Registry) Without(names ...string) *Registry {
	denied := make(map[string]bool, len(names))
	for _, n := range names {
		denied[n] = true
	}

	filtered := NewRegistry()
	for _, name := range r.order {
		if denied[name] {
			continue
		}
		filtered.Register(r.tools[name])
	}
	return filtered
}

// Execute runs a tool by name. Unknown tools return an error result, never
// an error — the LLM should see the failure and recover.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	result := t.Execute(ctx, args)
	if result == nil {
		return ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if result.IsError {
		slog.Debug("tool returned error", "tool", name, "result", result.ForLLM)
	}
	return result
}

// ProviderDefs converts the registry into provider tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
