package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/llmbridge/types"
)

// Applier decorates an outgoing request with credentials.
type Applier interface {
	// Apply mutates the request in place. If it returns an error the
	// request must not be sent.
	Apply(ctx context.Context, req *http.Request) error

	// Name identifies the strategy for logs and errors. It never exposes
	// secret material.
	Name() string
}

// APIKey sends a static key in a configurable header.
// With an empty Header it defaults to Authorization with a "Bearer " prefix,
// which matches the majority of chat-completion providers; message-style
// providers typically set Header to "x-api-key" with no prefix.
type APIKey struct {
	Header string
	Prefix string
	Key    string
}

func (a APIKey) Name() string { return "api_key" }

func (a APIKey) Apply(_ context.Context, req *http.Request) error {
	if strings.TrimSpace(a.Key) == "" {
		return types.NewError(types.ErrAuthentication, "api key is empty")
	}
	header := a.Header
	prefix := a.Prefix
	if header == "" {
		header = "Authorization"
		if prefix == "" {
			prefix = "Bearer "
		}
	}
	req.Header.Set(header, prefix+a.Key)
	return nil
}

// TokenSource supplies a bearer token on demand, e.g. from a credential
// store that rotates tokens.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Bearer sends "Authorization: Bearer <token>" with a token obtained from
// the configured source on every call.
type Bearer struct {
	Source TokenSource
}

func (b Bearer) Name() string { return "bearer" }

func (b Bearer) Apply(ctx context.Context, req *http.Request) error {
	if b.Source == nil {
		return types.NewError(types.ErrAuthentication, "bearer token source is not configured")
	}
	tok, err := b.Source(ctx)
	if err != nil {
		return types.NewError(types.ErrAuthentication, "bearer token source failed").WithCause(err)
	}
	if tok == "" {
		return types.NewError(types.ErrAuthentication, "bearer token source returned an empty token")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Custom sets a fixed header map, for providers with bespoke schemes.
type Custom struct {
	Headers map[string]string
}

func (c Custom) Name() string { return "custom" }

func (c Custom) Apply(_ context.Context, req *http.Request) error {
	if len(c.Headers) == 0 {
		return types.NewError(types.ErrAuthentication, "custom auth has no headers configured")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return nil
}

// None applies no credentials. Useful for local providers.
type None struct{}

func (None) Name() string { return "none" }

func (None) Apply(context.Context, *http.Request) error { return nil }
