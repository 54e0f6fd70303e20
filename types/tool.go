package types

import "encoding/json"

// ToolDefinition is an LLM-callable tool surface described by JSON Schema.
// Definitions are generated 1:1 from OpenAPI operations or constructed by
// hand; names must be unique within the set handed to a provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
	Required    []string        `json:"required,omitempty"`
}

// Valid reports whether the definition carries the minimum a provider needs.
func (t ToolDefinition) Valid() bool {
	return t.Name != "" && len(t.Parameters) > 0
}
