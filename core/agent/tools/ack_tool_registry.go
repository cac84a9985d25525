package tools

import (
	"context"
	"fmt"
	"sync"

	"ack_server/pkg/logger"
)

// Registry manages all available tools
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// RegisterAll registers multiple tools
func (r *Registry) RegisterAll(tools ...Tool) {
	for _, tool := range tools {
		r.Register(tool)
	}
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// List returns all registered tools
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// ListByCategory returns tools filtered by category
func (r *Registry) ListByCategory(category ToolCategory) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []Tool
	for _, tool := range r.tools {
		if tool.Category() == category {
			tools = append(tools, tool)
		}
	}
	return tools
}

// ListNames returns all tool names
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions returns all tools as LLM function definitions
func (r *Registry) Definitions() []ToolDefinition {
	all := r.List()
	defs := make([]ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, ConvertToDefinition(t))
	}
	return defs
}

// Execute looks up and runs a tool, converting execution errors into a
// failed result so the chat loop can feed them back to the model.
func (r *Registry) Execute(ctx context.Context, call ToolCall) *ToolResult {
	tool, err := r.Get(call.Name)
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}
	}

	result, err := tool.Execute(ctx, call.Args)
	if err != nil {
		logger.WithError(err).Warn("tool execution failed: %s", call.Name)
		return &ToolResult{Success: false, Error: err.Error()}
	}
	if result == nil {
		return &ToolResult{Success: true}
	}
	return result
}
