package providers

import (
	"context"
	"time"
)

// RetryPolicy bounds how often opening a stream is retried.
// Only failures that happen before the first event reaches the caller are
// retried; once output has been published a retry would duplicate it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns three attempts with exponential backoff from 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// ComputeBackoff returns the delay before retry number attempt (0-based):
// 2^attempt * BaseDelay, capped at MaxDelay.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	delay := policy.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// streamAttempt runs one vendor stream, forwarding events through emit.
// It reports whether any event was forwarded before the returned error.
type streamAttempt func(ctx context.Context, emit func(Event) bool) (emitted bool, err *ProviderError)

// withRetry drives attempt under policy and yields its events. A failure is
// retried only when nothing was emitted yet and the error is retryable;
// otherwise it is yielded as the final EventError.
func withRetry(ctx context.Context, policy RetryPolicy, attempt streamAttempt, yield func(Event) bool) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	stopped := false
	emit := func(ev Event) bool {
		if stopped {
			return false
		}
		if !yield(ev) {
			stopped = true
			return false
		}
		return true
	}

	for i := 0; i < maxAttempts; i++ {
		emitted, perr := attempt(ctx, emit)
		if perr == nil || stopped {
			return
		}
		last := i == maxAttempts-1
		if emitted || !perr.Retryable || last {
			emit(failure(perr))
			return
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, i)); err != nil {
			emit(failure(perr))
			return
		}
	}
}
