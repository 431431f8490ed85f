package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

const defaultRetryDelay = time.Second

// maxAttempts returns the total attempt budget for a step. No policy or a
// non-positive max means a single attempt.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return 1
	}
	return policy.MaxAttempts
}

// IsRetryableError reports whether a failed attempt is worth repeating.
// Context cancellation and deadline expiry never are; structured engine
// errors carry their own classification; anything else (transport faults,
// tool failures) is presumed transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		return engineErr.IsRetryable()
	}
	return true
}

// backoffDelay computes the wait before the given attempt (2-based: the
// delay preceding attempt N). Unknown strategies fall back to constant.
func backoffDelay(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}

	base := defaultRetryDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d >= 0 {
			base = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		delay = 0
	case "linear":
		delay = base * time.Duration(attempt-1)
	case "exponential":
		delay = base
		for i := 2; i < attempt; i++ {
			delay *= 2
			if delay < 0 { // overflow
				delay = time.Duration(1<<62 - 1)
				break
			}
		}
	default: // "constant" and unset
		delay = base
	}

	if policy.MaxDelay != "" {
		if limit, err := time.ParseDuration(policy.MaxDelay); err == nil && limit > 0 && delay > limit {
			delay = limit
		}
	}
	return delay
}

// waitBackoff sleeps for the backoff delay, aborting early when the context
// is cancelled so a workflow timeout is never extended by a pending retry.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
