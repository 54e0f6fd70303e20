package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/llmbridge/types"
)

func TestRateLimiter_AdmitsWithinBurst(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{RequestsPerSecond: 100, Burst: 5})
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
}

func TestRateLimiter_BoundedWaitExceeded(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{
		RequestsPerSecond: 0.1, // one token per ten seconds
		Burst:             1,
		MaxWait:           20 * time.Millisecond,
	})

	require.NoError(t, l.Acquire(context.Background()))

	err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{
		RequestsPerSecond: 0.1,
		Burst:             1,
		MaxWait:           time.Minute,
	})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrTimeout, types.GetErrorCode(err))
}

func TestRateLimiter_Disabled(t *testing.T) {
	for _, l := range []*RateLimiter{
		NewRateLimiter(nil),
		NewRateLimiter(&RateLimitConfig{}),
	} {
		for i := 0; i < 100; i++ {
			require.NoError(t, l.Acquire(context.Background()))
		}
	}
}
