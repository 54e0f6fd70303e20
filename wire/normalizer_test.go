package wire

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/llmbridge/openapi"
	"github.com/BaSui01/llmbridge/types"
)

func TestDetectFamily(t *testing.T) {
	tests := []struct {
		name string
		doc  *openapi.Document
		want Family
	}{
		{
			name: "chat completions path",
			doc: &openapi.Document{Operations: []openapi.Operation{
				{Method: http.MethodPost, Path: "/v1/chat/completions"},
			}},
			want: FamilyChatCompletion,
		},
		{
			name: "messages path",
			doc: &openapi.Document{Operations: []openapi.Operation{
				{Method: http.MethodPost, Path: "/v1/messages"},
			}},
			want: FamilyMessage,
		},
		{
			name: "chat completions wins over messages",
			doc: &openapi.Document{Operations: []openapi.Operation{
				{Method: http.MethodPost, Path: "/v1/messages"},
				{Method: http.MethodPost, Path: "/v1/chat/completions"},
			}},
			want: FamilyChatCompletion,
		},
		{
			name: "unknown surface falls back to generic",
			doc: &openapi.Document{Operations: []openapi.Operation{
				{Method: http.MethodPost, Path: "/api/generate"},
			}},
			want: FamilyGeneric,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFamily(tt.doc))
		})
	}
}

func TestNew(t *testing.T) {
	n, err := New(FamilyChatCompletion, nil)
	require.NoError(t, err)
	assert.Equal(t, FamilyChatCompletion, n.Family())

	n, err = New(FamilyMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, FamilyMessage, n.Family())

	n, err = New(FamilyGeneric, genericDoc())
	require.NoError(t, err)
	assert.Equal(t, FamilyGeneric, n.Family())

	_, err = New(Family("carrier-pigeon"), nil)
	require.Error(t, err)
}

// conversationGen draws a plausible chat transcript: optional leading system
// prompt, then non-empty user/assistant turns.
func conversationGen(t *rapid.T) []types.Message {
	msgs := make([]types.Message, 0, 8)
	if rapid.Bool().Draw(t, "hasSystem") {
		msgs = append(msgs, types.SystemMessage(rapid.StringN(1, 64, 64).Draw(t, "system")))
	}
	n := rapid.IntRange(1, 6).Draw(t, "turns")
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if rapid.Bool().Draw(t, "assistant") {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.Message{
			Role:    role,
			Content: rapid.StringN(1, 128, 128).Draw(t, "content"),
		})
	}
	return msgs
}

func TestChatCompletion_EncodePreservesOrderAndRoles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := conversationGen(t)
		wreq, err := NewChatCompletion().EncodeRequest(&types.ChatRequest{Model: "m", Messages: msgs})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var body ccRequest
		if err := json.Unmarshal(wreq.Body, &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(body.Messages) != len(msgs) {
			t.Fatalf("message count changed: %d != %d", len(body.Messages), len(msgs))
		}
		for i, m := range msgs {
			if body.Messages[i].Role != string(m.Role) {
				t.Fatalf("role at %d: %q != %q", i, body.Messages[i].Role, m.Role)
			}
			if body.Messages[i].Content != m.Content {
				t.Fatalf("content at %d changed", i)
			}
		}
	})
}

func TestMessage_EncodePreservesOrderAndRoles(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := conversationGen(t)
		wreq, err := NewMessage().EncodeRequest(&types.ChatRequest{Model: "m", Messages: msgs})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var body msgRequest
		if err := json.Unmarshal(wreq.Body, &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}

		// The system prompt moves to its own field; everything else keeps
		// its order and role.
		rest := msgs
		if len(msgs) > 0 && msgs[0].Role == types.RoleSystem {
			if body.System != msgs[0].Content {
				t.Fatalf("system prompt not extracted")
			}
			rest = msgs[1:]
		}
		if len(body.Messages) != len(rest) {
			t.Fatalf("message count changed: %d != %d", len(body.Messages), len(rest))
		}
		for i, m := range rest {
			if body.Messages[i].Role != string(m.Role) {
				t.Fatalf("role at %d: %q != %q", i, body.Messages[i].Role, m.Role)
			}
			if body.Messages[i].Content[0].Text != m.Content {
				t.Fatalf("content at %d changed", i)
			}
		}
	})
}
