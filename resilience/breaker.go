package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/types"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int `yaml:"threshold" json:"threshold"`
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// HalfOpenMaxCalls bounds concurrent probes in the half-open state.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`
	// OnStateChange is notified on every transition.
	OnStateChange func(from, to BreakerState) `yaml:"-" json:"-"`
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Threshold:        5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a per-provider circuit breaker. Consecutive retryable failures
// open it; while open every call fails fast with ProviderUnavailable. After
// ResetTimeout a bounded number of probe calls decide whether to close.
type Breaker struct {
	config *BreakerConfig
	logger *zap.Logger

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// NewBreaker creates a breaker, normalizing out-of-range config values.
func NewBreaker(config *BreakerConfig, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{config: config, logger: logger, state: BreakerClosed}
}

// Allow reports whether a call may proceed. While the circuit is open it
// returns ProviderUnavailable carrying the remaining cool-down as RetryAfter.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailure) > b.config.ResetTimeout {
			b.setState(BreakerHalfOpen)
			b.halfOpenCalls = 1
			return nil
		}
		remaining := b.config.ResetTimeout - time.Since(b.lastFailure)
		return types.NewError(types.ErrProviderUnavailable, "circuit breaker is open").
			WithRetryAfter(remaining)

	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return types.NewError(types.ErrProviderUnavailable, "circuit breaker is probing recovery")
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker. Caller errors such as
// invalid requests or bad credentials do not count as provider failures.
func (b *Breaker) Record(err error) {
	success := err == nil || isCallerError(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen || b.failures >= b.config.Threshold {
		b.setState(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenCalls = 0
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// setState transitions; caller holds b.mu.
func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.logger.Info("circuit breaker state change",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, next)
	}
}

func isCallerError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrAuthentication, types.ErrUnauthorized,
		types.ErrForbidden, types.ErrQuotaExceeded:
		return true
	}
	return false
}
