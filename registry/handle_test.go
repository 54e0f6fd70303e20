package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmbridge/config"
	"github.com/BaSui01/llmbridge/resilience"
	"github.com/BaSui01/llmbridge/stream"
	"github.com/BaSui01/llmbridge/types"
)

const ccOKBody = `{
	"id": "chatcmpl-1",
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

func chatRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Messages: []types.Message{types.UserMessage("hi")},
	}
}

func TestHandle_Chat(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotPath = req.URL.Path
		require.NoError(t, json.NewDecoder(req.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	resp, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model, "default model filled in")
	assert.False(t, gotBody.Stream)

	assert.Equal(t, "hello", resp.Content())
	assert.Equal(t, "test", resp.Provider)
	assert.Zero(t, resp.Retries)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestHandle_Chat_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Retry = &resilience.RetryPolicy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		}
	})

	resp, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 2, resp.Retries, "two failed attempts recorded on the response")
}

func TestHandle_Chat_TimedOutAttemptRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Timeout = 60 * time.Millisecond
		cfg.Retry = &resilience.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		}
	})

	// The timeout bounds each attempt, not the whole retry loop: a slow
	// first attempt leaves the second one its full budget.
	resp, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 1, resp.Retries)
}

func TestHandle_Chat_RateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Retry = &resilience.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond}
	})

	_, err := h.Chat(context.Background(), chatRequest())
	require.Error(t, err)
	e := types.AsError(err)
	assert.Equal(t, types.ErrRateLimited, e.Code)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
}

func TestHandle_Chat_AuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Retry = &resilience.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond}
	})

	_, err := h.Chat(context.Background(), chatRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestHandle_Chat_CacheServesRepeat(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Cache = &resilience.CacheConfig{Enabled: true, TTL: time.Minute}
	})

	// Two separately built requests with the same content: per-call
	// request IDs must not affect the cache key.
	first, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	second, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load(), "second call served from cache")
	assert.Equal(t, first.Content(), second.Content())
	assert.Equal(t, "test", second.Provider)
}

func TestHandle_Chat_CacheHitResetsRetryCount(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Cache = &resilience.CacheConfig{Enabled: true, TTL: time.Minute}
		cfg.Retry = &resilience.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}
	})

	first, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Retries)

	second, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "second call served from cache")
	assert.Zero(t, second.Retries, "a cache hit does not replay the original call's retries")
}

func TestHandle_Chat_ToolRequestsBypassCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Cache = &resilience.CacheConfig{Enabled: true, TTL: time.Minute}
	})

	req := chatRequest()
	req.Tools = []types.ToolDefinition{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}}

	for i := 0; i < 2; i++ {
		_, err := h.Chat(context.Background(), req)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestHandle_Chat_BreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Retry = &resilience.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond}
		cfg.Breaker = &resilience.BreakerConfig{Threshold: 1, ResetTimeout: time.Minute}
	})

	_, err := h.Chat(context.Background(), chatRequest())
	require.Error(t, err)

	_, err = h.Chat(context.Background(), chatRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderUnavailable, types.GetErrorCode(err))
	assert.EqualValues(t, 1, calls.Load(), "open breaker short-circuits before the transport")
}

func TestHandle_Chat_LocalRateLimitExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.RateLimit = &resilience.RateLimitConfig{
			RequestsPerSecond: 0.1,
			Burst:             1,
			MaxWait:           10 * time.Millisecond,
		}
	})

	_, err := h.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	_, err = h.Chat(context.Background(), chatRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
}

func TestHandle_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	cs, err := h.ChatStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var contents []string
	for chunk := range cs.Chunks() {
		require.Nil(t, chunk.Err)
		assert.Equal(t, "test", chunk.Provider)
		contents = append(contents, chunk.Delta.Content)
	}
	assert.Equal(t, []string{"he", "llo"}, contents)
	assert.Equal(t, stream.StateCompleted, cs.State())
	assert.EqualValues(t, 2, cs.ChunkCount())
}

func TestHandle_ChatStream_OutlivesDialTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"a"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"b"}}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"content":"c"},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			time.Sleep(50 * time.Millisecond)
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		// Shorter than the stream's total duration: the timeout bounds
		// establishing the stream, never its lifetime.
		cfg.Timeout = 75 * time.Millisecond
	})

	cs, err := h.ChatStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var contents []string
	for chunk := range cs.Chunks() {
		require.Nil(t, chunk.Err)
		contents = append(contents, chunk.Delta.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, contents)
	assert.Equal(t, stream.StateCompleted, cs.State())
	assert.EqualValues(t, 3, cs.ChunkCount())
}

func TestHandle_ChatStream_DialTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release // never send headers
	}))
	defer srv.Close()
	defer close(release)

	h := registerAgainst(t, newTestRegistry(), srv, func(cfg *config.ProviderConfig) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.Retry = &resilience.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond}
	})

	_, err := h.ChatStream(context.Background(), chatRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
}

func TestHandle_ChatStream_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"one\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"two\"}}]}\n\n")
		flusher.Flush()
		<-release // hold the connection open until the test ends
	}))
	defer srv.Close()
	defer close(release)

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	cs, err := h.ChatStream(context.Background(), chatRequest())
	require.NoError(t, err)

	first := <-cs.Chunks()
	require.NotNil(t, first)
	second := <-cs.Chunks()
	require.NotNil(t, second)

	cs.Cancel()
	for chunk := range cs.Chunks() {
		t.Fatalf("chunk delivered after cancel: %+v", chunk)
	}
	assert.Equal(t, stream.StateCancelled, cs.State())
}

func TestHandle_ChatStream_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	_, err := h.ChatStream(context.Background(), chatRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestHandle_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/models", req.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	status := h.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestHandle_HealthCheck_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "meltdown", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	assert.False(t, h.HealthCheck(context.Background()).Healthy)
}

func TestHandle_Models(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o-mini","owned_by":"openai"},{"id":"gpt-4o","owned_by":"openai"}]}`)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)
	models, err := h.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.Equal(t, "openai", models[0].OwnedBy)
}

func TestHandle_Chat_ConcurrentCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, ccOKBody)
	}))
	defer srv.Close()

	h := registerAgainst(t, newTestRegistry(), srv, nil)

	const n = 16
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.Chat(context.Background(), chatRequest())
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}
