package wire

import (
	"net/http"
	"strings"

	"github.com/BaSui01/llmbridge/openapi"
	"github.com/BaSui01/llmbridge/types"
)

// Family identifies a provider wire format.
type Family string

const (
	FamilyChatCompletion Family = "chatcompletion"
	FamilyMessage        Family = "message"
	FamilyGeneric        Family = "generic"
)

// Framing identifies how a provider frames its streaming response.
type Framing int

const (
	// FramingSSE is Server-Sent-Events: "data: <json>" lines with blank-line
	// separators and optional "event:" lines.
	FramingSSE Framing = iota
	// FramingNDJSON is newline-delimited JSON: one frame per line.
	FramingNDJSON
)

// Request is the provider-specific call a normalizer produces. The handle
// joins Path to the provider base URL, applies auth, and executes it.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// FrameDecoder turns one event-stream payload into a StreamChunk.
// A decoder instance belongs to a single stream and may carry accumulation
// state (e.g. partial tool-call JSON); it is never shared across streams.
type FrameDecoder interface {
	// Decode parses one frame. done reports the provider's explicit
	// terminal marker. A nil chunk with done=false means the frame carried
	// nothing chunk-worthy (bookkeeping events).
	Decode(data []byte) (chunk *types.StreamChunk, done bool, err error)
}

// Normalizer is the capability each wire family implements. Both mappings
// are pure; unknown or missing wire fields map to absent values rather than
// failing, except the top-level content, whose absence is a hard
// MalformedResponse.
type Normalizer interface {
	Family() Family
	Framing() Framing

	// EncodeRequest maps the canonical request to the provider shape.
	EncodeRequest(req *types.ChatRequest) (*Request, error)

	// DecodeResponse maps a non-streaming provider response body back.
	DecodeResponse(data []byte) (*types.ChatResponse, error)

	// NewFrameDecoder returns a fresh per-stream decoder.
	NewFrameDecoder() FrameDecoder
}

// DetectFamily inspects a spec document's paths to pick a wire family.
// Explicit configuration takes precedence over detection; generic is the
// fallback when no known chat surface is present.
func DetectFamily(doc *openapi.Document) Family {
	if doc == nil {
		return FamilyChatCompletion
	}
	for _, op := range doc.Operations {
		if strings.Contains(op.Path, "/chat/completions") {
			return FamilyChatCompletion
		}
	}
	for _, op := range doc.Operations {
		if strings.HasSuffix(op.Path, "/messages") {
			return FamilyMessage
		}
	}
	return FamilyGeneric
}

// New constructs the normalizer for a family. The generic family needs the
// parsed document to know which operation to invoke.
func New(family Family, doc *openapi.Document) (Normalizer, error) {
	switch family {
	case FamilyChatCompletion:
		return NewChatCompletion(), nil
	case FamilyMessage:
		return NewMessage(), nil
	case FamilyGeneric:
		return NewGeneric(doc)
	default:
		return nil, types.NewError(types.ErrInvalidRequest, "unknown wire family: "+string(family))
	}
}

func malformed(msg string) *types.Error {
	return types.NewError(types.ErrMalformedResponse, msg)
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}
