package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/llmbridge/types"
)

// DefaultRefreshMargin is how long before recorded expiry a cached token is
// considered stale and refreshed.
const DefaultRefreshMargin = 60 * time.Second

// OAuth2Config configures the client-credentials flow.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string

	// RefreshMargin defaults to DefaultRefreshMargin when zero.
	RefreshMargin time.Duration

	// AssertionKey, when set, switches the token request from
	// client_secret_post to a signed JWT client assertion (HS256).
	AssertionKey []byte

	// HTTPClient defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

// OAuth2 authenticates with a cached client-credentials access token.
// The cached token is the only mutable state and refresh is its only
// permitted mutation; concurrent callers observe at most one in-flight
// refresh and all waiters receive the same refreshed token.
type OAuth2 struct {
	cfg    OAuth2Config
	logger *zap.Logger

	mu     sync.RWMutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewOAuth2 creates an OAuth2 applier.
func NewOAuth2(cfg OAuth2Config, logger *zap.Logger) (*OAuth2, error) {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil, types.NewError(types.ErrAuthentication, "oauth2 requires client_id and token_url")
	}
	if cfg.ClientSecret == "" && len(cfg.AssertionKey) == 0 {
		return nil, types.NewError(types.ErrAuthentication, "oauth2 requires a client_secret or an assertion key")
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth2{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "oauth2"), zap.String("client_id", cfg.ClientID)),
	}, nil
}

func (o *OAuth2) Name() string { return "oauth2" }

// Apply attaches a bearer token, refreshing it first when absent or within
// the refresh margin of expiry. On refresh failure the request is left
// untouched and must not be sent.
func (o *OAuth2) Apply(ctx context.Context, req *http.Request) error {
	tok, err := o.tokenFor(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func (o *OAuth2) tokenFor(ctx context.Context) (string, error) {
	o.mu.RLock()
	tok, expiry := o.token, o.expiry
	o.mu.RUnlock()
	if tok != "" && time.Until(expiry) > o.cfg.RefreshMargin {
		return tok, nil
	}

	// singleflight collapses concurrent refreshes: every waiter gets the
	// token from the one network round-trip.
	v, err, _ := o.group.Do("refresh", func() (any, error) {
		o.mu.RLock()
		tok, expiry := o.token, o.expiry
		o.mu.RUnlock()
		if tok != "" && time.Until(expiry) > o.cfg.RefreshMargin {
			return tok, nil
		}
		return o.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (o *OAuth2) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if o.cfg.Scope != "" {
		form.Set("scope", o.cfg.Scope)
	}
	if len(o.cfg.AssertionKey) > 0 {
		assertion, err := o.clientAssertion()
		if err != nil {
			return "", types.NewError(types.ErrAuthentication, "failed to sign client assertion").WithCause(err)
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
		form.Set("client_id", o.cfg.ClientID)
	} else {
		form.Set("client_id", o.cfg.ClientID)
		form.Set("client_secret", o.cfg.ClientSecret)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewError(types.ErrAuthentication, "failed to build token request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", types.NewError(types.ErrAuthentication, "token endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", types.NewError(types.ErrAuthentication,
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))).
			WithHTTPStatus(resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", types.NewError(types.ErrAuthentication, "token endpoint returned invalid JSON").WithCause(err)
	}
	if tr.AccessToken == "" {
		return "", types.NewError(types.ErrAuthentication, "token endpoint returned no access_token")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	o.mu.Lock()
	o.token = tr.AccessToken
	o.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	o.mu.Unlock()

	o.logger.Debug("refreshed access token", zap.Int("expires_in", expiresIn))
	return tr.AccessToken, nil
}

func (o *OAuth2) clientAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": o.cfg.ClientID,
		"sub": o.cfg.ClientID,
		"aud": o.cfg.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(o.cfg.AssertionKey)
}

// Invalidate drops the cached token, forcing a refresh on the next Apply.
func (o *OAuth2) Invalidate() {
	o.mu.Lock()
	o.token = ""
	o.expiry = time.Time{}
	o.mu.Unlock()
}
