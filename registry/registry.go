package registry

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/auth"
	"github.com/BaSui01/llmbridge/config"
	"github.com/BaSui01/llmbridge/internal/metrics"
	"github.com/BaSui01/llmbridge/openapi"
	"github.com/BaSui01/llmbridge/resilience"
	"github.com/BaSui01/llmbridge/types"
	"github.com/BaSui01/llmbridge/wire"
)

// Options configures a Registry. Zero values get sensible defaults.
type Options struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
	// Registerer receives the registry's metrics. Defaults to the global
	// prometheus registerer.
	Registerer prometheus.Registerer
	// Namespace prefixes metric names. Defaults to "llmbridge".
	Namespace string
	// FetchTimeout bounds spec document fetches during registration.
	FetchTimeout time.Duration
}

// Registry holds provider handles. All state is per-registry: the spec
// parser cache and metrics collector belong to this instance, never to the
// package.
type Registry struct {
	parser    *openapi.Parser
	toolgen   *openapi.ToolGenerator
	collector *metrics.Collector
	client    *http.Client
	logger    *zap.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		// No client-level timeout: per-call timeouts come from contexts,
		// and a client timeout would sever long-lived streams.
		client = &http.Client{}
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "llmbridge"
	}

	return &Registry{
		parser:    openapi.NewParser(openapi.ParserConfig{FetchTimeout: opts.FetchTimeout}, logger),
		toolgen:   openapi.NewToolGenerator(logger),
		collector: metrics.NewCollector(namespace, opts.Registerer, logger),
		client:    client,
		logger:    logger.With(zap.String("component", "registry")),
		handles:   make(map[string]*Handle),
	}
}

// Register builds a handle from the provider config and installs it under
// its name. Registering an existing name atomically replaces the handle;
// in-flight calls on the old handle are unaffected.
func (r *Registry) Register(ctx context.Context, cfg config.ProviderConfig) (*Handle, error) {
	cfg.Normalize()
	if cfg.Name == "" {
		return nil, types.NewError(types.ErrRegistration, "provider name is required")
	}

	var doc *openapi.Document
	if cfg.SpecSource != "" {
		var err error
		doc, err = r.parser.Load(ctx, cfg.SpecSource)
		if err != nil {
			return nil, err
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" && doc != nil {
		baseURL = doc.BaseURL()
	}
	if baseURL == "" {
		return nil, types.NewError(types.ErrRegistration, "provider has no base URL").
			WithProvider(cfg.Name)
	}

	family := wire.Family(cfg.Family)
	if cfg.Family == "" {
		family = wire.DetectFamily(doc)
	}
	normalizer, err := wire.New(family, doc)
	if err != nil {
		return nil, types.AsError(err).WithProvider(cfg.Name)
	}

	applier, err := r.buildApplier(cfg.Auth)
	if err != nil {
		return nil, err
	}

	var tools []types.ToolDefinition
	var skipped []openapi.Skipped
	if doc != nil {
		tools, skipped = r.toolgen.Generate(doc)
	}

	cacheTTL := resilience.DefaultCacheTTL
	if cfg.Cache != nil && cfg.Cache.TTL > 0 {
		cacheTTL = cfg.Cache.TTL
	}

	breakerCfg := resilience.DefaultBreakerConfig()
	if cfg.Breaker != nil {
		bc := *cfg.Breaker
		breakerCfg = &bc
	}
	name := cfg.Name
	prev := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to resilience.BreakerState) {
		r.collector.RecordBreakerTransition(name, from.String(), to.String())
		if prev != nil {
			prev(from, to)
		}
	}

	h := &Handle{
		name:       cfg.Name,
		baseURL:    baseURL,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		doc:        doc,
		tools:      tools,
		skipped:    skipped,
		normalizer: normalizer,
		applier:    applier,
		httpClient: r.client,
		retryer:    resilience.NewRetryer(cfg.Retry, r.logger),
		limiter:    resilience.NewRateLimiter(cfg.RateLimit),
		breaker:    resilience.NewBreaker(breakerCfg, r.logger),
		cache:      resilience.NewCache(cfg.Cache),
		cacheTTL:   cacheTTL,
		collector:  r.collector,
		logger:     r.logger.With(zap.String("provider", cfg.Name)),
	}

	r.mu.Lock()
	r.handles[cfg.Name] = h
	r.mu.Unlock()

	r.logger.Info("provider registered",
		zap.String("provider", cfg.Name),
		zap.String("family", string(family)),
		zap.String("auth", applier.Name()),
		zap.Int("tools", len(tools)))
	return h, nil
}

// Get retrieves a handle by name.
func (r *Registry) Get(name string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrProviderNotFound, "provider is not registered").
			WithProvider(name)
	}
	return h, nil
}

// List returns the sorted names of registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deregister removes a provider. Calls in flight on its handle complete
// normally.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[name]
	delete(r.handles, name)
	return ok
}

// ParserStats exposes spec cache counters for diagnostics.
func (r *Registry) ParserStats() openapi.Stats { return r.parser.Stats() }

func (r *Registry) buildApplier(cfg config.AuthConfig) (auth.Applier, error) {
	switch cfg.Type {
	case "", "none":
		if cfg.Key != "" {
			return auth.APIKey{Header: cfg.Header, Prefix: cfg.Prefix, Key: cfg.Key}, nil
		}
		return auth.None{}, nil
	case "api_key":
		return auth.APIKey{Header: cfg.Header, Prefix: cfg.Prefix, Key: cfg.Key}, nil
	case "bearer":
		return auth.Bearer{Source: auth.StaticToken(cfg.Key)}, nil
	case "custom":
		return auth.Custom{Headers: cfg.Headers}, nil
	case "oauth2":
		oauthCfg := auth.OAuth2Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scope:        cfg.Scope,
			HTTPClient:   r.client,
		}
		if cfg.AssertionKey != "" {
			oauthCfg.AssertionKey = []byte(cfg.AssertionKey)
		}
		return auth.NewOAuth2(oauthCfg, r.logger)
	default:
		return nil, types.NewError(types.ErrRegistration, "unknown auth type: "+cfg.Type)
	}
}
