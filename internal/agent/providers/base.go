package providers

import (
	"context"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/backoff"
)

// base holds retry settings shared by the backends.
type base struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

func newBase(name string, maxRetries int, retryDelay time.Duration) base {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return base{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Name returns the provider type.
func (b *base) Name() string {
	return b.name
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// attempts are used up. Delays grow exponentially from retryDelay with jitter.
func (b *base) retry(ctx context.Context, op func() error) error {
	policy := backoff.Policy{
		Initial: b.retryDelay,
		Max:     30 * b.retryDelay,
		Factor:  2,
		Jitter:  0.1,
	}
	return backoff.Retry(ctx, policy, b.maxRetries, IsRetryable, op)
}

// send delivers c unless ctx is done. It reports whether the consumer is
// still listening.
func send[T any](ctx context.Context, ch chan<- T, c T) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
