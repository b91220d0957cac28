package resilience

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// RetryConflict retries op against backoff/v4's exponential policy until
// it stops returning retryable (err matching isRetryable) or ctx is done.
// It backs the scheduler's conditional-update loops (completeRun and
// CancelRun).
func RetryConflict(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * bo.InitialInterval / 100 // 50ms start, still exponential
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
