package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/types"
)

// RetryPolicy configures exponential-backoff retry.
type RetryPolicy struct {
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	Jitter       bool          `yaml:"jitter" json:"jitter"`
}

// DefaultRetryPolicy suits most provider APIs.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer retries failed calls with exponential backoff. Only errors that
// classify as retryable are retried; the rest surface immediately.
type Retryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewRetryer creates a retryer, normalizing out-of-range policy values.
func NewRetryer(policy *RetryPolicy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do runs fn until it succeeds, fails terminally, or the retry budget is
// spent. It returns the number of retries performed (0 when the first
// attempt succeeded) alongside the final error.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt, lastErr)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return attempt - 1, types.NewError(types.ErrTimeout, "retry cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !types.IsRetryable(lastErr) {
			return attempt, lastErr
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr))
	return r.policy.MaxRetries, lastErr
}

// delay computes the backoff before the given attempt. An upstream
// Retry-After request overrides the computed backoff when longer.
func (r *Retryer) delay(attempt int, lastErr error) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := d * 0.25
		d += (rand.Float64()*2 - 1) * jitter
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}

	delay := time.Duration(d)
	if e := types.AsError(lastErr); e.RetryAfter > delay {
		delay = e.RetryAfter
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return delay
}
