package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/llmbridge/resilience"
)

// EngineConfig is the full engine configuration.
type EngineConfig struct {
	Log       LogConfig        `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Providers []ProviderConfig `yaml:"providers" env:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// ProviderConfig describes one provider registration.
type ProviderConfig struct {
	// Name is the unique registry key.
	Name string `yaml:"name"`
	// BaseURL overrides the server URL from the spec document.
	BaseURL string `yaml:"base_url"`
	// SpecSource is a file path or URL of the provider's OpenAPI document.
	// Optional for the chatcompletion and message families.
	SpecSource string `yaml:"spec_source"`
	// Family forces a wire family: chatcompletion, message or generic.
	// Empty means detect from the spec document.
	Family string `yaml:"family"`
	// Model is the default model when a request does not name one.
	Model string `yaml:"model"`
	// Timeout bounds each provider call.
	Timeout time.Duration `yaml:"timeout"`

	Auth      AuthConfig                  `yaml:"auth"`
	RateLimit *resilience.RateLimitConfig `yaml:"rate_limit"`
	Retry     *resilience.RetryPolicy     `yaml:"retry"`
	Breaker   *resilience.BreakerConfig   `yaml:"breaker"`
	Cache     *resilience.CacheConfig     `yaml:"cache"`
}

// AuthConfig describes how to authenticate against a provider.
type AuthConfig struct {
	// Type: api_key, bearer, oauth2, custom or none.
	Type string `yaml:"type"`

	// APIKey fields. KeyEnv names a secret reference the loader resolves
	// when Key is empty (environment variables by default), so secrets
	// stay out of config files.
	Header string `yaml:"header"`
	Prefix string `yaml:"prefix"`
	Key    string `yaml:"key"`
	KeyEnv string `yaml:"key_env"`

	// Custom headers, sent verbatim.
	Headers map[string]string `yaml:"headers"`

	// OAuth2 client-credentials fields.
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	TokenURL        string `yaml:"token_url"`
	Scope           string `yaml:"scope"`
	// AssertionKey enables a signed JWT client assertion instead of
	// sending the secret in the form body.
	AssertionKey string `yaml:"assertion_key"`
}

// DefaultEngineConfig returns the defaults applied before file and env
// loading.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Namespace: "llmbridge"},
	}
}

// DefaultProviderTimeout bounds provider calls that set no timeout.
const DefaultProviderTimeout = 60 * time.Second

// SecretLookup resolves a secret reference (key_env, client_secret_env) to
// its value. The Loader defaults to process environment variables; callers
// backed by a keyring or vault install their own via WithSecretLookup.
type SecretLookup func(name string) (string, bool)

// Normalize fills derived and defaulted fields. Secret references are
// resolved separately by ResolveSecrets; the registry itself only ever sees
// resolved values.
func (p *ProviderConfig) Normalize() {
	if p.Timeout <= 0 {
		p.Timeout = DefaultProviderTimeout
	}
}

// ResolveSecrets fills Auth.Key and Auth.ClientSecret from their references
// using the given lookup. Already-set values win over references.
func (p *ProviderConfig) ResolveSecrets(lookup SecretLookup) {
	if lookup == nil {
		return
	}
	if p.Auth.Key == "" && p.Auth.KeyEnv != "" {
		if v, ok := lookup(p.Auth.KeyEnv); ok {
			p.Auth.Key = v
		}
	}
	if p.Auth.ClientSecret == "" && p.Auth.ClientSecretEnv != "" {
		if v, ok := lookup(p.Auth.ClientSecretEnv); ok {
			p.Auth.ClientSecret = v
		}
	}
}

// Validate checks the configuration for structural problems.
func (c *EngineConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" && p.SpecSource == "" {
			return fmt.Errorf("provider %q: base_url or spec_source is required", p.Name)
		}
		switch p.Family {
		case "", "chatcompletion", "message", "generic":
		default:
			return fmt.Errorf("provider %q: unknown wire family %q", p.Name, p.Family)
		}
		switch p.Auth.Type {
		case "", "none", "api_key", "bearer", "custom":
		case "oauth2":
			if p.Auth.TokenURL == "" || p.Auth.ClientID == "" {
				return fmt.Errorf("provider %q: oauth2 auth requires token_url and client_id", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown auth type %q", p.Name, p.Auth.Type)
		}
	}
	return nil
}
