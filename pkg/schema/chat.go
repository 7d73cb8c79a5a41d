package schema

import "encoding/json"

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// GenericChatMessage is the vendor-neutral chat message.
// Assistant messages may carry tool-call requests; tool messages answer one.
type GenericChatMessage struct {
	Role       ChatRole          `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// ToolCallRequest is a fully accumulated tool call requested by a model.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Index     int             `json:"index"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ActionModelConfiguration selects a provider and model for a Model node.
type ActionModelConfiguration struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Stream   *bool          `json:"stream,omitempty"` // default true
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Streaming reports whether fragments are published as they arrive.
func (c ActionModelConfiguration) Streaming() bool {
	return c.Stream == nil || *c.Stream
}

// MaxTokens reads metadata.max_tokens, returning fallback when absent.
func (c ActionModelConfiguration) MaxTokens(fallback int) int {
	switch v := c.Metadata["max_tokens"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Temperature reads metadata.temperature.
func (c ActionModelConfiguration) Temperature() (float64, bool) {
	switch v := c.Metadata["temperature"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// ToolDefinition describes a tool offered to a model.
type ToolDefinition struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"` // JSON Schema object
	ProviderType   string          `json:"provider_type,omitempty"`
	RequiredScopes []string        `json:"required_scopes,omitempty"`
}
