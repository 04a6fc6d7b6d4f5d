package api

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/warp/contravention-engine/engine"
)

// RetryPolicy bounds the automatic retry of ConcurrencyConflict.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 25 * time.Millisecond}
}

// withRetry runs fn and re-runs it with exponential backoff while it fails
// with a retryable engine error. Every other error is returned at once.
// Each attempt is a whole engine operation, so nothing from a failed
// attempt is left behind.
func withRetry[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, op string, fn func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !engine.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying after conflict",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
}
