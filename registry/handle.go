package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/auth"
	"github.com/BaSui01/llmbridge/internal/metrics"
	"github.com/BaSui01/llmbridge/openapi"
	"github.com/BaSui01/llmbridge/resilience"
	"github.com/BaSui01/llmbridge/stream"
	"github.com/BaSui01/llmbridge/types"
	"github.com/BaSui01/llmbridge/wire"
)

// Handle is one registered provider, ready to invoke. Handles are immutable
// after registration; replacing a provider installs a new handle without
// disturbing calls in flight on the old one.
type Handle struct {
	name       string
	baseURL    string
	model      string
	timeout    time.Duration
	doc        *openapi.Document
	tools      []types.ToolDefinition
	skipped    []openapi.Skipped
	normalizer wire.Normalizer
	applier    auth.Applier
	httpClient *http.Client
	retryer    *resilience.Retryer
	limiter    *resilience.RateLimiter
	breaker    *resilience.Breaker
	cache      resilience.ResponseCache
	cacheTTL   time.Duration
	collector  *metrics.Collector
	logger     *zap.Logger
}

// Name returns the registry key.
func (h *Handle) Name() string { return h.name }

// Family returns the wire family this handle speaks.
func (h *Handle) Family() wire.Family { return h.normalizer.Family() }

// Document returns the parsed spec document, or nil for handles registered
// without one.
func (h *Handle) Document() *openapi.Document { return h.doc }

// Tools returns the tool definitions generated from the spec document.
func (h *Handle) Tools() []types.ToolDefinition { return h.tools }

// SkippedTools lists operations the tool generator could not convert.
func (h *Handle) SkippedTools() []openapi.Skipped { return h.skipped }

// Chat performs a non-streaming chat call through the full stack: rate
// limit, cache, circuit breaker, retry, auth, transport and decoding.
func (h *Handle) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	req = h.prepare(req, false)

	if err := h.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	cacheable := h.cache != nil && resilience.Cacheable(req)
	cacheKey := ""
	if cacheable {
		cacheKey = resilience.CacheKey(h.name, req)
		if cached, ok := h.cache.Get(ctx, cacheKey); ok {
			h.collector.RecordCacheHit(h.name)
			out := *cached
			out.Provider = h.name
			return &out, nil
		}
		h.collector.RecordCacheMiss(h.name)
	}

	if err := h.breaker.Allow(); err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *types.ChatResponse
	retries, err := h.retryer.Do(ctx, func(ctx context.Context) error {
		// The timeout is per attempt: a timed-out attempt must leave
		// budget for the backoff and retries behind it.
		attemptCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		var callErr error
		resp, callErr = h.call(attemptCtx, req)
		return callErr
	})
	h.breaker.Record(err)
	h.collector.RecordRetries(h.name, retries)

	if err != nil {
		h.collector.RecordRequest(h.name, req.Model, "error", time.Since(start), 0, 0)
		return nil, err
	}

	resp.Provider = h.name
	resp.Retries = retries

	var promptTokens, completionTokens int
	if resp.Usage != nil {
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
	}
	h.collector.RecordRequest(h.name, req.Model, "ok", time.Since(start), promptTokens, completionTokens)

	if cacheable {
		// Stored without per-call fields; a later hit must not replay
		// this call's retry count.
		stored := *resp
		stored.Retries = 0
		h.cache.Set(ctx, cacheKey, &stored, h.cacheTTL)
	}
	return resp, nil
}

// ChatStream performs a streaming chat call. The returned stream delivers
// chunks in arrival order and is cancelled with a single call; cancellation
// does not affect other calls on the same handle.
func (h *Handle) ChatStream(ctx context.Context, req *types.ChatRequest) (*ChatStream, error) {
	req = h.prepare(req, true)

	if err := h.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if err := h.breaker.Allow(); err != nil {
		return nil, err
	}

	var body io.ReadCloser
	retries, err := h.retryer.Do(ctx, func(ctx context.Context) error {
		var callErr error
		body, callErr = h.open(ctx, req)
		return callErr
	})
	h.breaker.Record(err)
	h.collector.RecordRetries(h.name, retries)
	if err != nil {
		return nil, err
	}

	inner := stream.Open(ctx, body, h.normalizer.Framing(), h.normalizer.NewFrameDecoder(), h.logger)
	return h.relay(inner), nil
}

// prepare fills request defaults without mutating the caller's struct.
func (h *Handle) prepare(req *types.ChatRequest, streaming bool) *types.ChatRequest {
	out := *req
	out.Stream = streaming
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	if out.Model == "" {
		out.Model = h.model
	}
	return &out
}

// call executes one non-streaming attempt.
func (h *Handle) call(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	httpResp, err := h.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, h.statusError(httpResp)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to read response body").
			WithCause(err).WithRetryable(true).WithProvider(h.name)
	}
	return h.normalizer.DecodeResponse(data)
}

// open executes one stream-establishment attempt and hands the body over on
// success. The handle timeout bounds the dial only: the request runs on its
// own cancellable context, and once the response headers arrive the body
// lives until the stream closes it.
func (h *Handle) open(ctx context.Context, req *types.ChatRequest) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	dialTimer := time.AfterFunc(h.timeout, cancel)
	httpResp, err := h.send(reqCtx, req)
	dialTimer.Stop()
	if err != nil {
		cancel()
		return nil, err
	}
	if httpResp.StatusCode >= 400 {
		serr := h.statusError(httpResp)
		httpResp.Body.Close()
		cancel()
		return nil, serr
	}
	return &bodyWithCancel{ReadCloser: httpResp.Body, cancel: cancel}, nil
}

// bodyWithCancel releases the stream's request context when the body is
// closed, ending the underlying HTTP exchange.
type bodyWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyWithCancel) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// send encodes, authenticates and executes the HTTP request.
func (h *Handle) send(ctx context.Context, req *types.ChatRequest) (*http.Response, error) {
	wreq, err := h.normalizer.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(h.baseURL, wreq.Path)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to build request URL").
			WithCause(err).WithProvider(h.name)
	}

	httpReq, err := http.NewRequestWithContext(ctx, wreq.Method, endpoint, bytes.NewReader(wreq.Body))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create request").
			WithCause(err).WithProvider(h.name)
	}
	for k, vs := range wreq.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Stream && h.normalizer.Framing() == wire.FramingSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	if err := h.applier.Apply(ctx, httpReq); err != nil {
		return nil, err
	}

	httpResp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrTimeout, "request deadline exceeded").
				WithCause(err).WithRetryable(true).WithProvider(h.name)
		}
		return nil, types.NewError(types.ErrUpstreamError, "request failed").
			WithCause(err).WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).WithProvider(h.name)
	}
	return httpResp, nil
}

func (h *Handle) statusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	err := mapHTTPError(resp.StatusCode, msg, h.name)
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		err = err.WithRetryAfter(ra)
	}
	return err
}

// HealthCheck probes the provider with a lightweight request and reports
// reachability and latency. Auth failures count as unhealthy; any response
// below 500 counts as reachable.
func (h *Handle) HealthCheck(ctx context.Context) types.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.probeURL(), nil)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: time.Since(start)}
	}
	if err := h.applier.Apply(ctx, httpReq); err != nil {
		return types.HealthStatus{Healthy: false, Latency: time.Since(start)}
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	return types.HealthStatus{
		Healthy: resp.StatusCode < 500,
		Latency: time.Since(start),
	}
}

// Models lists the models the provider advertises.
func (h *Handle) Models(ctx context.Context) ([]types.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.probeURL(), nil)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to create request").
			WithCause(err).WithProvider(h.name)
	}
	if err := h.applier.Apply(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "model listing failed").
			WithCause(err).WithRetryable(true).WithProvider(h.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, h.statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to read model list").
			WithCause(err).WithProvider(h.name)
	}
	return decodeModelList(data)
}

// probeURL picks the models path for health and listing: a GET operation
// mentioning models when the spec has one, /v1/models otherwise.
func (h *Handle) probeURL() string {
	path := "/v1/models"
	if h.doc != nil {
		for _, op := range h.doc.Operations {
			if op.Method == http.MethodGet && strings.Contains(op.Path, "models") {
				path = op.Path
				break
			}
		}
	}
	u, err := url.JoinPath(h.baseURL, path)
	if err != nil {
		return h.baseURL
	}
	return u
}

// decodeModelList accepts both the {"data":[...]} and {"models":[...]}
// envelopes.
func decodeModelList(data []byte) ([]types.ModelInfo, error) {
	var envelope struct {
		Data   []types.ModelInfo `json:"data"`
		Models []types.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, types.NewError(types.ErrMalformedResponse, "model list is not valid JSON").WithCause(err)
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Models, nil
}
