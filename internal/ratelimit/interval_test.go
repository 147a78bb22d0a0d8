package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalLimiter_ZeroInterval(t *testing.T) {
	limiter := NewIntervalLimiter(0)
	assert.NoError(t, limiter.Wait(context.Background(), "gemini"))
	assert.NoError(t, limiter.Wait(context.Background(), "gemini"))
}

func TestIntervalLimiter_FirstCallImmediate(t *testing.T) {
	limiter := NewIntervalLimiter(200 * time.Millisecond)

	start := time.Now()
	assert.NoError(t, limiter.Wait(context.Background(), "gemini"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestIntervalLimiter_EnforcesInterval(t *testing.T) {
	limiter := NewIntervalLimiter(80 * time.Millisecond)
	ctx := context.Background()

	assert.NoError(t, limiter.Wait(ctx, "gemini"))

	start := time.Now()
	assert.NoError(t, limiter.Wait(ctx, "gemini"))
	// 30ms tolerance for scheduler jitter
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestIntervalLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewIntervalLimiter(time.Second)
	ctx := context.Background()

	assert.NoError(t, limiter.Wait(ctx, "gemini"))

	start := time.Now()
	assert.NoError(t, limiter.Wait(ctx, "anthropic"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestIntervalLimiter_ContextCancelled(t *testing.T) {
	limiter := NewIntervalLimiter(5 * time.Second)
	assert.NoError(t, limiter.Wait(context.Background(), "gemini"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "gemini")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
