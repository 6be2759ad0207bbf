package backoff

import (
	"context"
	"time"
)

// Retry runs op up to attempts times, sleeping per p between failures. It
// stops early when op succeeds, when retryable reports false for its error,
// or when ctx is done. The last error from op is returned.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil || attempt == attempts || (retryable != nil && !retryable(lastErr)) {
			return lastErr
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
