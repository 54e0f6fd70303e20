package wire

import (
	"encoding/json"
	"net/http"

	"github.com/BaSui01/llmbridge/openapi"
	"github.com/BaSui01/llmbridge/types"
)

// Generic implements the generic-operation wire family for providers that
// expose a chat-like operation through an arbitrary OpenAPI surface. The
// operation to invoke is chosen once, at construction, from the parsed
// document; streaming uses newline-delimited JSON.
type Generic struct {
	op openapi.Operation
}

// NewGeneric picks the completion operation from the document: the first
// POST operation whose request body declares a "messages" property, falling
// back to the first POST operation.
func NewGeneric(doc *openapi.Document) (*Generic, error) {
	if doc == nil {
		return nil, types.NewError(types.ErrRegistration, "generic wire family requires a spec document")
	}
	var fallback *openapi.Operation
	for i, op := range doc.Operations {
		if op.Method != http.MethodPost {
			continue
		}
		if fallback == nil {
			fallback = &doc.Operations[i]
		}
		if op.RequestBody != nil {
			if _, ok := op.RequestBody.Properties["messages"]; ok {
				return &Generic{op: op}, nil
			}
		}
	}
	if fallback == nil {
		return nil, types.NewError(types.ErrRegistration, "spec has no POST operation to bind the generic family to")
	}
	return &Generic{op: *fallback}, nil
}

func (g *Generic) Family() Family   { return FamilyGeneric }
func (g *Generic) Framing() Framing { return FramingNDJSON }

// Operation returns the bound operation identifier.
func (g *Generic) Operation() string { return g.op.ID }

type genericMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type genericRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []genericMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float32          `json:"temperature,omitempty"`
	TopP        float32          `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type genericResponse struct {
	ID           string           `json:"id,omitempty"`
	Model        string           `json:"model,omitempty"`
	Role         string           `json:"role,omitempty"`
	Content      *string          `json:"content"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Usage        *types.ChatUsage `json:"usage,omitempty"`
}

func (g *Generic) EncodeRequest(req *types.ChatRequest) (*Request, error) {
	body := genericRequest{
		Model:       req.Model,
		Messages:    make([]genericMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, genericMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
	}
	return &Request{Method: g.op.Method, Path: g.op.Path, Header: jsonHeader(), Body: payload}, nil
}

func (g *Generic) DecodeResponse(data []byte) (*types.ChatResponse, error) {
	var wr genericResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, malformed("response is not valid JSON").WithCause(err)
	}
	if wr.Content == nil {
		return nil, malformed("response is missing the top-level content field")
	}

	role := types.RoleAssistant
	if wr.Role != "" {
		role = types.Role(wr.Role)
	}
	return &types.ChatResponse{
		ID:    wr.ID,
		Model: wr.Model,
		Choices: []types.ChatChoice{{
			Index:        0,
			FinishReason: wr.FinishReason,
			Message:      types.Message{Role: role, Content: *wr.Content},
		}},
		Usage: wr.Usage,
	}, nil
}

type genericFrameDecoder struct{}

func (g *Generic) NewFrameDecoder() FrameDecoder { return &genericFrameDecoder{} }

func (d *genericFrameDecoder) Decode(data []byte) (*types.StreamChunk, bool, error) {
	var wr genericResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, false, malformed("stream frame is not valid JSON").WithCause(err)
	}

	chunk := &types.StreamChunk{
		ID:           wr.ID,
		Model:        wr.Model,
		FinishReason: wr.FinishReason,
		Usage:        wr.Usage,
		Final:        wr.Done,
	}
	if wr.Content != nil {
		chunk.Delta = types.Message{Role: types.RoleAssistant, Content: *wr.Content}
	}
	return chunk, wr.Done, nil
}
