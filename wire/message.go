package wire

import (
	"encoding/json"
	"net/http"

	"github.com/BaSui01/llmbridge/types"
)

// defaultMaxTokens is used when the caller does not set one; the message
// family requires max_tokens on every request.
const defaultMaxTokens = 4096

// MessageNormalizer implements the message wire family: POST /v1/messages
// with the system prompt split out, content-block arrays, tool_use /
// tool_result blocks, and typed SSE events.
type MessageNormalizer struct {
	path string
}

// NewMessage creates the message-family normalizer.
func NewMessage() *MessageNormalizer {
	return &MessageNormalizer{path: "/v1/messages"}
}

func (m *MessageNormalizer) Family() Family   { return FamilyMessage }
func (m *MessageNormalizer) Framing() Framing { return FramingSSE }

type msgMessage struct {
	Role    string       `json:"role"` // user or assistant
	Content []msgContent `json:"content"`
}

type msgContent struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type msgTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type msgRequest struct {
	Model       string       `json:"model"`
	Messages    []msgMessage `json:"messages"`
	System      string       `json:"system,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float32      `json:"temperature,omitempty"`
	TopP        float32      `json:"top_p,omitempty"`
	StopSeq     []string     `json:"stop_sequences,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Tools       []msgTool    `json:"tools,omitempty"`
}

type msgUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type msgResponse struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Role       string       `json:"role"`
	Content    []msgContent `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stop_reason"`
	Usage      *msgUsage    `json:"usage,omitempty"`
}

// splitMessages converts canonical messages to the message-family shape.
// System messages are extracted into the dedicated system field; tool
// results become user-role tool_result blocks.
func splitMessages(msgs []types.Message) (system string, out []msgMessage) {
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}
		if m.Role == types.RoleTool {
			out = append(out, msgMessage{
				Role: "user",
				Content: []msgContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		wm := msgMessage{Role: string(m.Role)}
		if m.Content != "" {
			wm.Content = append(wm.Content, msgContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			wm.Content = append(wm.Content, msgContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(wm.Content) > 0 {
			out = append(out, wm)
		}
	}
	return system, out
}

func (m *MessageNormalizer) EncodeRequest(req *types.ChatRequest) (*Request, error) {
	system, messages := splitMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := msgRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Stream:      req.Stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, msgTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
	}
	return &Request{Method: http.MethodPost, Path: m.path, Header: jsonHeader(), Body: payload}, nil
}

func (m *MessageNormalizer) DecodeResponse(data []byte) (*types.ChatResponse, error) {
	var wr msgResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, malformed("response is not valid JSON").WithCause(err)
	}
	if len(wr.Content) == 0 {
		return nil, malformed("response has no content blocks")
	}

	msg := types.Message{Role: types.RoleAssistant}
	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, malformed("content blocks carry neither text nor tool calls")
	}

	out := &types.ChatResponse{
		ID:    wr.ID,
		Model: wr.Model,
		Choices: []types.ChatChoice{{
			Index:        0,
			FinishReason: wr.StopReason,
			Message:      msg,
		}},
	}
	if wr.Usage != nil {
		out.Usage = &types.ChatUsage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		}
	}
	return out, nil
}

type msgStreamEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index,omitempty"`
	Delta        *msgDelta    `json:"delta,omitempty"`
	ContentBlock *msgContent  `json:"content_block,omitempty"`
	Message      *msgResponse `json:"message,omitempty"`
	Usage        *msgUsage    `json:"usage,omitempty"`
}

type msgDelta struct {
	Type        string `json:"type"` // text_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// msgFrameDecoder accumulates tool-call input JSON across content_block
// events until the block stops, mirroring how the wire format fragments it.
type msgFrameDecoder struct {
	id    string
	model string
	tools map[int]*types.ToolCall
}

func (m *MessageNormalizer) NewFrameDecoder() FrameDecoder {
	return &msgFrameDecoder{tools: make(map[int]*types.ToolCall)}
}

func (d *msgFrameDecoder) Decode(data []byte) (*types.StreamChunk, bool, error) {
	var event msgStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, false, malformed("stream frame is not valid JSON").WithCause(err)
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			d.id = event.Message.ID
			d.model = event.Message.Model
		}
		return nil, false, nil

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			d.tools[event.Index] = &types.ToolCall{
				ID:   event.ContentBlock.ID,
				Name: event.ContentBlock.Name,
			}
		}
		return nil, false, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, false, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return &types.StreamChunk{
				ID:    d.id,
				Model: d.model,
				Index: event.Index,
				Delta: types.Message{Role: types.RoleAssistant, Content: event.Delta.Text},
			}, false, nil
		case "input_json_delta":
			if tc, ok := d.tools[event.Index]; ok {
				tc.Arguments = append(tc.Arguments, []byte(event.Delta.PartialJSON)...)
			}
			return nil, false, nil
		}
		return nil, false, nil

	case "content_block_stop":
		tc, ok := d.tools[event.Index]
		if !ok {
			return nil, false, nil
		}
		delete(d.tools, event.Index)
		if len(tc.Arguments) == 0 {
			tc.Arguments = json.RawMessage("{}")
		}
		return &types.StreamChunk{
			ID:    d.id,
			Model: d.model,
			Index: event.Index,
			Delta: types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{*tc}},
		}, false, nil

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			return &types.StreamChunk{
				ID:           d.id,
				Model:        d.model,
				FinishReason: event.Delta.StopReason,
			}, false, nil
		}
		return nil, false, nil

	case "message_stop":
		chunk := &types.StreamChunk{ID: d.id, Model: d.model, Final: true}
		if event.Usage != nil {
			chunk.Usage = &types.ChatUsage{
				PromptTokens:     event.Usage.InputTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
			}
		}
		return chunk, true, nil
	}

	// Unknown event types are ignored rather than failing the stream.
	return nil, false, nil
}
