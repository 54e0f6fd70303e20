package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmbridge/config"
	"github.com/BaSui01/llmbridge/types"
	"github.com/BaSui01/llmbridge/wire"
)

func newTestRegistry() *Registry {
	return New(Options{Registerer: prometheus.NewRegistry()})
}

func ccProviderConfig(name, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    name,
		BaseURL: baseURL,
		Family:  "chatcompletion",
		Model:   "gpt-4o-mini",
		Auth:    config.AuthConfig{Type: "api_key", Key: "sk-test"},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	h, err := r.Register(context.Background(), ccProviderConfig("openai", "https://api.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "openai", h.Name())
	assert.Equal(t, wire.FamilyChatCompletion, h.Family())

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderNotFound, types.GetErrorCode(err))
}

func TestRegistry_ListSorted(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(ctx, ccProviderConfig(name, "https://api.example.com"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List())
}

func TestRegistry_ReplaceByName(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Register(ctx, ccProviderConfig("p", "https://one.example.com"))
	require.NoError(t, err)
	second, err := r.Register(ctx, ccProviderConfig("p", "https://two.example.com"))
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	got, err := r.Get("p")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_Deregister(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(context.Background(), ccProviderConfig("p", "https://api.example.com"))
	require.NoError(t, err)

	assert.True(t, r.Deregister("p"))
	assert.False(t, r.Deregister("p"))
	_, err = r.Get("p")
	assert.Error(t, err)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Register(ctx, config.ProviderConfig{BaseURL: "https://api.example.com"})
	require.Error(t, err)
	assert.Equal(t, types.ErrRegistration, types.GetErrorCode(err))

	_, err = r.Register(ctx, config.ProviderConfig{Name: "p"})
	require.Error(t, err)
	assert.Equal(t, types.ErrRegistration, types.GetErrorCode(err))

	_, err = r.Register(ctx, config.ProviderConfig{
		Name:    "p",
		BaseURL: "https://api.example.com",
		Auth:    config.AuthConfig{Type: "voodoo"},
	})
	require.Error(t, err)
}

const specWithChat = `
openapi: 3.0.3
info:
  title: Example API
  version: "1.0"
servers:
  - url: https://spec.example.com/v1
paths:
  /chat/completions:
    post:
      operationId: createChatCompletion
      summary: Create a chat completion
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                model:
                  type: string
                messages:
                  type: array
                  items:
                    type: object
      responses:
        "200":
          description: OK
  /models:
    get:
      operationId: listModels
      responses:
        "200":
          description: OK
`

func TestRegistry_RegisterFromSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(specWithChat), 0o600))

	r := newTestRegistry()
	h, err := r.Register(context.Background(), config.ProviderConfig{
		Name:       "from-spec",
		SpecSource: path,
	})
	require.NoError(t, err)

	// Family detected, base URL taken from the spec servers, tools
	// generated from the operations.
	assert.Equal(t, wire.FamilyChatCompletion, h.Family())
	assert.Equal(t, "https://spec.example.com/v1", h.baseURL)
	require.NotNil(t, h.Document())
	assert.NotEmpty(t, h.Tools())

	assert.EqualValues(t, 1, r.ParserStats().Parses)
}

func TestRegistry_RegisterGenericFromSpec(t *testing.T) {
	const genericSpec = `
openapi: 3.1.0
info:
  title: Local Runner
  version: "1.0"
servers:
  - url: http://localhost:11434
paths:
  /api/generate:
    post:
      operationId: generate
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                messages:
                  type: array
      responses:
        "200":
          description: OK
`
	path := filepath.Join(t.TempDir(), "spec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(genericSpec), 0o600))

	r := newTestRegistry()
	h, err := r.Register(context.Background(), config.ProviderConfig{
		Name:       "local",
		SpecSource: path,
	})
	require.NoError(t, err)
	assert.Equal(t, wire.FamilyGeneric, h.Family())
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		wantCode  types.ErrorCode
		wantRetry bool
	}{
		{http.StatusUnauthorized, "bad key", types.ErrUnauthorized, false},
		{http.StatusForbidden, "denied", types.ErrForbidden, false},
		{http.StatusTooManyRequests, "slow down", types.ErrRateLimited, true},
		{http.StatusBadRequest, "malformed", types.ErrInvalidRequest, false},
		{http.StatusBadRequest, "quota exhausted", types.ErrQuotaExceeded, false},
		{http.StatusServiceUnavailable, "down", types.ErrUpstreamError, true},
		{529, "overloaded", types.ErrProviderUnavailable, true},
		{http.StatusInternalServerError, "boom", types.ErrUpstreamError, true},
		{http.StatusTeapot, "teapot", types.ErrUpstreamError, false},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, tt.msg, "p")
		assert.Equal(t, tt.wantCode, err.Code, "status %d", tt.status)
		assert.Equal(t, tt.wantRetry, err.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.status, err.HTTPStatus)
		assert.Equal(t, "p", err.Provider)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

func registerAgainst(t *testing.T, r *Registry, srv *httptest.Server, mutate func(*config.ProviderConfig)) *Handle {
	t.Helper()
	cfg := ccProviderConfig("test", srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := r.Register(context.Background(), cfg)
	require.NoError(t, err)
	return h
}
