package types

import (
	"time"
)

// ChatRequest is the engine's canonical chat/completion request.
// It is the only request shape callers outside the engine construct;
// wire-format conversion happens inside the normalizers.
type ChatRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	Model       string            `json:"model,omitempty"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage carries token accounting reported by the provider.
// It is preserved verbatim from the wire response and never fabricated.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice is one completion alternative in a ChatResponse.
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResponse is the engine's canonical chat/completion response.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model,omitempty"`
	Choices   []ChatChoice `json:"choices"`
	Usage     *ChatUsage   `json:"usage,omitempty"`
	Retries   int          `json:"retries,omitempty"` // attempts beyond the first
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Content returns the text content of the first choice, or "".
func (r *ChatResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ToolCalls returns the tool calls of the first choice.
func (r *ChatResponse) ToolCalls() []ToolCall {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// StreamChunk is an incremental fragment of a ChatResponse.
// Chunks are delivered strictly in arrival order; the engine never
// reorders or deduplicates frames.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"` // final chunk may carry usage
	Final        bool       `json:"final,omitempty"`
	Err          *Error     `json:"error,omitempty"`
}

// HealthStatus reports the result of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// ModelInfo describes a model advertised by a provider.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}
