// Package retry provides a small retry-with-backoff combinator shared by the
// extraction queue.
package retry

import (
	"context"
	"time"
)

// Retryable decides whether a failure is worth another attempt.
type Retryable func(error) bool

// Do invokes fn up to retries+1 times, sleeping delay between attempts.
// A non-retryable error or a canceled context stops immediately; the last
// error is returned when all attempts fail.
func Do(ctx context.Context, retries int, delay time.Duration, retryable Retryable, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}

		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}
