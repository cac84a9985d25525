package tools

import (
	"context"
)

// Tool represents a capability the chat agent can invoke
type Tool interface {
	Name() string
	Description() string
	Category() ToolCategory
	Parameters() []ParameterSpec
	Execute(ctx context.Context, args map[string]any) (*ToolResult, error)
}

// ToolCategory categorizes tools
type ToolCategory string

const (
	CategoryCase      ToolCategory = "case"
	CategoryInbox     ToolCategory = "inbox"
	CategoryEvidence  ToolCategory = "evidence"
	CategoryOrchestra ToolCategory = "orchestrate"
)

// ParameterSpec defines a tool parameter
type ParameterSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, boolean, array, object
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"` // allowed values
	Default     any      `json:"default,omitempty"`
}

// ToolResult represents the result of tool execution
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolDefinition for LLM function calling
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    ToolCategory   `json:"category"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters for OpenAI function calling format
type ToolParameters struct {
	Type       string                       `json:"type"`
	Properties map[string]ParameterProperty `json:"properties"`
	Required   []string                     `json:"required"`
}

// ParameterProperty for OpenAI format
type ParameterProperty struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolCall represents a tool call from LLM
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ConvertToDefinition converts Tool to ToolDefinition for LLM
func ConvertToDefinition(t Tool) ToolDefinition {
	params := t.Parameters()
	properties := make(map[string]ParameterProperty)
	required := []string{}

	for _, p := range params {
		properties[p.Name] = ParameterProperty{
			Type:        p.Type,
			Description: p.Description,
			Enum:        p.Enum,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Category:    t.Category(),
		Parameters: ToolParameters{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

// StringArg reads a string argument, tolerating missing keys.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IntArg reads a numeric argument (JSON numbers decode as float64).
func IntArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// BoolArg reads a boolean argument with a default.
func BoolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
