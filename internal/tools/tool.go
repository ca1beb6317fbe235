// Package tools holds the functions agents may ask the service to run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/user/patientline/internal/types"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	// Execute returns the structured result handed back to the model. An
	// error means the tool could not produce a result at all.
	Execute(ctx context.Context, inv *types.ToolInvocation) (*types.ToolResult, error)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Specs resolves tool names to the specs advertised to the model.
func (r *Registry) Specs(names []string) ([]types.ToolSpec, error) {
	specs := make([]types.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
		specs = append(specs, types.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs, nil
}

// Execute runs the invocation on behalf of agent. Tools outside the agent's
// capabilities and tool errors become failure results; the model always gets
// an answer.
func (r *Registry) Execute(ctx context.Context, agent *types.Agent, inv *types.ToolInvocation) *types.ToolResult {
	if agent == nil || !agent.Capabilities()[inv.Name] {
		return &types.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool %s is not available to this agent", inv.Name),
		}
	}
	t, ok := r.tools[inv.Name]
	if !ok {
		return &types.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("unknown tool: %s", inv.Name),
		}
	}

	res, err := t.Execute(ctx, inv)
	if err != nil {
		slog.Error("tool execution failed", "tool", inv.Name, "call_id", inv.CallID, "error", err)
		return &types.ToolResult{
			Success: false,
			Error:   err.Error(),
		}
	}
	return res
}
