package backend

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// linearBackOff waits n*unit before the n-th retry.
type linearBackOff struct {
	unit time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.unit
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// withRetry runs fn up to attempts times. fn gets the 1-based attempt number.
// Waits end early when ctx is cancelled.
func (c *Client) withRetry(ctx context.Context, endpoint string, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = &linearBackOff{unit: c.retryUnit}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return fn(attempt)
	}, b, func(err error, wait time.Duration) {
		c.Metrics.RecordBackendRetry(endpoint)
		c.logger().Warn("backend call failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.Join(ErrUnavailable, err)
}
