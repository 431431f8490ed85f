package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, maxAttempts(nil))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{MaxAttempts: 0}))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{MaxAttempts: -2}))
	assert.Equal(t, 5, maxAttempts(&schema.RetryPolicy{MaxAttempts: 5}))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(context.DeadlineExceeded))

	// Engine errors carry their own classification.
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad config")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeUnresolvedVariable, "dangling ref")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "attempt deadline")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeToolUnavailable, "breaker open")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStepExecution, "tool blew up")))

	// Unclassified errors are presumed transient.
	assert.True(t, IsRetryableError(errors.New("connection reset")))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{name: "nil policy", policy: nil, attempt: 2, want: 0},
		{name: "none strategy", policy: &schema.RetryPolicy{Backoff: "none", Delay: "1s"}, attempt: 3, want: 0},
		{name: "constant default", policy: &schema.RetryPolicy{Delay: "2s"}, attempt: 4, want: 2 * time.Second},
		{name: "constant explicit", policy: &schema.RetryPolicy{Backoff: "constant", Delay: "500ms"}, attempt: 2, want: 500 * time.Millisecond},
		{name: "linear second attempt", policy: &schema.RetryPolicy{Backoff: "linear", Delay: "1s"}, attempt: 2, want: time.Second},
		{name: "linear fourth attempt", policy: &schema.RetryPolicy{Backoff: "linear", Delay: "1s"}, attempt: 4, want: 3 * time.Second},
		{name: "exponential second attempt", policy: &schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, attempt: 2, want: time.Second},
		{name: "exponential third attempt", policy: &schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, attempt: 3, want: 2 * time.Second},
		{name: "exponential fifth attempt", policy: &schema.RetryPolicy{Backoff: "exponential", Delay: "1s"}, attempt: 5, want: 8 * time.Second},
		{name: "max delay cap", policy: &schema.RetryPolicy{Backoff: "exponential", Delay: "1s", MaxDelay: "3s"}, attempt: 5, want: 3 * time.Second},
		{name: "default base delay", policy: &schema.RetryPolicy{Backoff: "constant"}, attempt: 2, want: time.Second},
		{name: "unparseable delay falls back", policy: &schema.RetryPolicy{Backoff: "constant", Delay: "nonsense"}, attempt: 2, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffDelay(tt.policy, tt.attempt))
		})
	}
}

func TestBackoffDelay_ExponentialOverflow(t *testing.T) {
	policy := &schema.RetryPolicy{Backoff: "exponential", Delay: "100h"}
	d := backoffDelay(policy, 50)
	assert.Greater(t, d, time.Duration(0), "overflow must clamp, not go negative")
}

func TestWaitBackoff_ZeroDelay(t *testing.T) {
	require.NoError(t, waitBackoff(context.Background(), 0))
}

func TestWaitBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := waitBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancelled wait must return promptly")
}

func TestWaitBackoff_Elapses(t *testing.T) {
	start := time.Now()
	require.NoError(t, waitBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
