package sync

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/logger"
)

// RetryPolicy drives the per-batch retry loop for retryable failures
// (rate limits and timeouts). Fatal failures are returned immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
}

func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		Jitter:      0.2,
	}
}

// Do runs op, retrying retryable errors with exponential backoff
// (base delay doubled per attempt). A rate-limit hint from the platform
// takes precedence when it is longer than the computed backoff.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !connector.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.BaseDelay * (1 << attempt)
		if hint := connector.RateLimitHint(err); hint > delay {
			delay = hint
		}
		if p.Jitter > 0 {
			delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
		}

		logger.Log.Warn("Retrying after failure",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}
