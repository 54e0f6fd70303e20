// Package llmbridge turns OpenAPI descriptions of LLM provider APIs into
// callable, authenticated, streaming-capable clients with a unified
// request/response shape.
//
// Usage:
//
//	import "github.com/BaSui01/llmbridge"
//
//	engine, err := llmbridge.New(llmbridge.WithConfigFile("llmbridge.yaml"))
//	h, err := engine.Provider("openai")
//	resp, err := h.Chat(ctx, &types.ChatRequest{Messages: ...})
//
// Providers can also be registered programmatically with shortcuts for the
// two well-known wire families:
//
//	engine, _ := llmbridge.New()
//	h, _ := engine.RegisterChatCompletion(ctx, "openai", "https://api.openai.com/v1", apiKey)
//	h, _ := engine.RegisterMessage(ctx, "claude", "https://api.anthropic.com", apiKey)
package llmbridge

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/config"
	"github.com/BaSui01/llmbridge/registry"
)

// Engine is the top-level entry point: a provider registry plus the
// configuration it was built from.
type Engine struct {
	registry *registry.Registry
	cfg      *config.EngineConfig
	logger   *zap.Logger
}

// Option configures the engine created by New.
type Option func(*options)

type options struct {
	configPath string
	logger     *zap.Logger
	httpClient *http.Client
	registerer prometheus.Registerer
}

// WithConfigFile loads engine and provider configuration from a YAML file.
// Providers listed in the file are registered during New.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the HTTP client shared by all providers.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithRegisterer directs engine metrics to a specific prometheus
// registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates an engine and registers any providers named in the config
// file.
func New(opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := config.DefaultEngineConfig()
	if o.configPath != "" {
		loaded, err := config.NewLoader().WithConfigPath(o.configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		registry: registry.New(registry.Options{
			Logger:     logger,
			HTTPClient: o.httpClient,
			Registerer: o.registerer,
			Namespace:  cfg.Metrics.Namespace,
		}),
		cfg:    cfg,
		logger: logger,
	}

	for _, pc := range cfg.Providers {
		if _, err := e.registry.Register(context.Background(), pc); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Registry exposes the underlying provider registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Provider retrieves a registered provider handle by name.
func (e *Engine) Provider(name string) (*registry.Handle, error) {
	return e.registry.Get(name)
}

// Providers lists registered provider names.
func (e *Engine) Providers() []string { return e.registry.List() }

// Register adds or replaces a provider from its configuration.
func (e *Engine) Register(ctx context.Context, cfg config.ProviderConfig) (*registry.Handle, error) {
	return e.registry.Register(ctx, cfg)
}

// RegisterFromSpec registers a provider from an OpenAPI document, detecting
// the wire family from its paths.
func (e *Engine) RegisterFromSpec(ctx context.Context, name, specSource string, auth config.AuthConfig) (*registry.Handle, error) {
	return e.registry.Register(ctx, config.ProviderConfig{
		Name:       name,
		SpecSource: specSource,
		Auth:       auth,
	})
}

// RegisterChatCompletion registers a chat-completion family provider with
// bearer API key auth.
func (e *Engine) RegisterChatCompletion(ctx context.Context, name, baseURL, apiKey string) (*registry.Handle, error) {
	return e.registry.Register(ctx, config.ProviderConfig{
		Name:    name,
		BaseURL: baseURL,
		Family:  "chatcompletion",
		Auth:    config.AuthConfig{Type: "api_key", Key: apiKey},
	})
}

// RegisterMessage registers a message family provider authenticating with
// the x-api-key header.
func (e *Engine) RegisterMessage(ctx context.Context, name, baseURL, apiKey string) (*registry.Handle, error) {
	return e.registry.Register(ctx, config.ProviderConfig{
		Name:    name,
		BaseURL: baseURL,
		Family:  "message",
		Auth:    config.AuthConfig{Type: "api_key", Header: "x-api-key", Key: apiKey},
	})
}
