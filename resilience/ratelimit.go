package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/llmbridge/types"
)

// RateLimitConfig configures the token-bucket limiter for one provider.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables
	// limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	// Burst is the bucket size. Defaults to the ceiling of the rate, with
	// a minimum of 1.
	Burst int `yaml:"burst" json:"burst"`
	// MaxWait bounds how long Acquire blocks for a token before giving up
	// with RateLimitExceeded.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
}

// DefaultMaxWait bounds the token wait when the config leaves it unset.
const DefaultMaxWait = 10 * time.Second

// RateLimiter gates outgoing calls with a token bucket. A call waits up to
// MaxWait for a token; past that it fails with RateLimitExceeded rather
// than queueing without bound.
type RateLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewRateLimiter creates a limiter. A nil config or zero rate yields a
// limiter that admits everything.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil || config.RequestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	burst := config.Burst
	if burst <= 0 {
		burst = int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	maxWait := config.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		maxWait: maxWait,
	}
}

// Acquire blocks until a token is available, the bounded wait elapses, or
// ctx is cancelled.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return types.NewError(types.ErrTimeout, "request cancelled while waiting for rate limit").
				WithCause(ctx.Err())
		}
		return types.NewError(types.ErrRateLimitExceeded, "local rate limit wait exceeded").
			WithRetryable(false)
	}
	return nil
}
