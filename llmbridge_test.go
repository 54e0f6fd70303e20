package llmbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmbridge/types"
	"github.com/BaSui01/llmbridge/wire"
)

func TestNew_Empty(t *testing.T) {
	e, err := New(WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Empty(t, e.Providers())

	_, err = e.Provider("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderNotFound, types.GetErrorCode(err))
}

func TestNew_FromConfigFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	content := fmt.Sprintf(`
providers:
  - name: stub
    base_url: %s
    family: chatcompletion
    model: test-model
    auth:
      type: api_key
      key: sk-test
`, srv.URL)
	path := filepath.Join(t.TempDir(), "llmbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e, err := New(WithConfigFile(path), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Equal(t, []string{"stub"}, e.Providers())

	h, err := e.Provider("stub")
	require.NoError(t, err)
	resp, err := h.Chat(context.Background(), &types.ChatRequest{
		Messages: []types.Message{types.UserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content())
}

func TestEngine_RegisterShortcuts(t *testing.T) {
	e, err := New(WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	ctx := context.Background()

	cc, err := e.RegisterChatCompletion(ctx, "openai", "https://api.openai.com/v1", "sk-1")
	require.NoError(t, err)
	assert.Equal(t, wire.FamilyChatCompletion, cc.Family())

	msg, err := e.RegisterMessage(ctx, "claude", "https://api.anthropic.com", "sk-2")
	require.NoError(t, err)
	assert.Equal(t, wire.FamilyMessage, msg.Family())

	assert.Equal(t, []string{"claude", "openai"}, e.Providers())
}
