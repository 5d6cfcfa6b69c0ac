package provider

import (
	"context"
	"fmt"
	"time"
)

// retryOutcome records what one provider's attempts looked like.
type retryOutcome struct {
	Attempts int
	Delays   []time.Duration
	Err      error
}

// withRetry runs fn up to cfg.MaxAttempts times, sleeping with
// exponential backoff between attempts. Only transient errors are
// retried; a permanent error returns immediately so the caller can
// advance to the next provider.
func withRetry(ctx context.Context, cfg RetryConfig, classify func(error) ErrorCategory, fn func() (Result, error)) (Result, retryOutcome) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var out retryOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		out.Attempts++
		res, err := fn()
		if err == nil {
			return res, out
		}
		out.Err = err
		if classify(err) == ErrorPermanent {
			return Result{}, out
		}
		if attempt < attempts-1 {
			delay := backoff * time.Duration(1<<attempt)
			out.Delays = append(out.Delays, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out.Err = fmt.Errorf("retry aborted: %w", ctx.Err())
				return Result{}, out
			}
		}
	}
	return Result{}, out
}
