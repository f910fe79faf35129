// Package tools defines the contract a tool implementation must satisfy
// and the result shape returned to both the model and the user-facing
// transcript. The tool-loop runner itself belongs to the
// model-invocation gateway and is not part of this package.
package tools

import "context"

// ToolResult is what a tool execution returns: ForLLM goes back into the
// conversation as the tool's output; ForUser, when non-empty, is
// additionally surfaced in the human-facing transcript view.
type ToolResult struct {
	ForLLM  string
	ForUser string
	IsError bool
}

// NewToolResult builds a successful result whose LLM and user views match.
func NewToolResult(text string) *ToolResult {
	return &ToolResult{ForLLM: text, ForUser: text}
}

// ErrorResult builds a failed tool result.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, ForUser: message, IsError: true}
}

// Tool is a single callable tool exposed to a model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ToolRegistry holds the tools available to one agent run.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Remove deletes a tool by name, if present.
func (r *ToolRegistry) Remove(name string) {
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
