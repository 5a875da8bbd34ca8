package ledger

import (
	"context"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
)

const maxRetryBackoff = time.Second

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error or
// the attempts are spent. Backoff doubles per attempt, capped at one second.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !apperr.IsRetryable(err) || attempt == attempts {
			return err
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
	}
	return err
}
