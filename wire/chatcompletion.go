package wire

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/llmbridge/types"
)

// ChatCompletion implements the chat-completion wire family: POST
// /v1/chat/completions with role-tagged messages, function tools under
// {"type":"function"}, and SSE streaming terminated by "data: [DONE]".
type ChatCompletion struct {
	path string
}

// NewChatCompletion creates the chat-completion normalizer.
func NewChatCompletion() *ChatCompletion {
	return &ChatCompletion{path: "/v1/chat/completions"}
}

func (c *ChatCompletion) Family() Family   { return FamilyChatCompletion }
func (c *ChatCompletion) Framing() Framing { return FramingSSE }

type ccMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []ccToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type ccToolCall struct {
	Index    int        `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function ccFunction `json:"function"`
}

type ccFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ccTool struct {
	Type     string        `json:"type"`
	Function ccFunctionDef `json:"function"`
}

type ccFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ccRequest struct {
	Model       string      `json:"model"`
	Messages    []ccMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float32     `json:"temperature,omitempty"`
	TopP        float32     `json:"top_p,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Tools       []ccTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
}

type ccChoice struct {
	Index        int        `json:"index"`
	Message      *ccMessage `json:"message,omitempty"`
	Delta        *ccMessage `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type ccUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ccResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Choices []ccChoice `json:"choices"`
	Usage   *ccUsage   `json:"usage,omitempty"`
}

func (c *ChatCompletion) EncodeRequest(req *types.ChatRequest) (*Request, error) {
	body := ccRequest{
		Model:       req.Model,
		Messages:    make([]ccMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
	}
	for _, m := range req.Messages {
		wm := ccMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, ccToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: ccFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, ccTool{
			Type:     "function",
			Function: ccFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
	}
	return &Request{Method: http.MethodPost, Path: c.path, Header: jsonHeader(), Body: payload}, nil
}

func (c *ChatCompletion) DecodeResponse(data []byte) (*types.ChatResponse, error) {
	var wr ccResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, malformed("response is not valid JSON").WithCause(err)
	}
	if len(wr.Choices) == 0 {
		return nil, malformed("response has no choices")
	}

	out := &types.ChatResponse{
		ID:      wr.ID,
		Model:   wr.Model,
		Choices: make([]types.ChatChoice, 0, len(wr.Choices)),
	}
	if wr.Created > 0 {
		out.CreatedAt = time.Unix(wr.Created, 0).UTC()
	}
	if wr.Usage != nil {
		out.Usage = &types.ChatUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}

	for _, ch := range wr.Choices {
		if ch.Message == nil {
			return nil, malformed("choice carries no message content")
		}
		msg, err := decodeCCMessage(*ch.Message)
		if err != nil {
			return nil, err
		}
		out.Choices = append(out.Choices, types.ChatChoice{
			Index:        ch.Index,
			FinishReason: ch.FinishReason,
			Message:      msg,
		})
	}
	return out, nil
}

func decodeCCMessage(wm ccMessage) (types.Message, error) {
	if wm.Content == "" && len(wm.ToolCalls) == 0 {
		return types.Message{}, malformed("message carries neither content nor tool calls")
	}
	msg := types.Message{Role: types.RoleAssistant, Content: wm.Content, Name: wm.Name}
	if wm.Role != "" {
		msg.Role = types.Role(wm.Role)
	}
	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg, nil
}

type ccFrameDecoder struct{}

func (c *ChatCompletion) NewFrameDecoder() FrameDecoder { return &ccFrameDecoder{} }

var doneMarker = []byte("[DONE]")

func (d *ccFrameDecoder) Decode(data []byte) (*types.StreamChunk, bool, error) {
	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		return nil, true, nil
	}

	var wr ccResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, false, malformed("stream frame is not valid JSON").WithCause(err)
	}

	chunk := &types.StreamChunk{ID: wr.ID, Model: wr.Model}
	if wr.Usage != nil {
		chunk.Usage = &types.ChatUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	if len(wr.Choices) == 0 {
		// Usage-only frame at end of stream.
		return chunk, false, nil
	}

	ch := wr.Choices[0]
	chunk.Index = ch.Index
	chunk.FinishReason = ch.FinishReason
	chunk.Delta = types.Message{Role: types.RoleAssistant}
	if ch.Delta != nil {
		chunk.Delta.Content = ch.Delta.Content
		if ch.Delta.Role != "" {
			chunk.Delta.Role = types.Role(ch.Delta.Role)
		}
		for _, tc := range ch.Delta.ToolCalls {
			chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return chunk, false, nil
}
