// Package resilience holds the engine's two retry surfaces:
// RetryPolicy-bounded executor attempts, and the coordinator
// version-conflict backoff built on cenkalti/backoff/v4.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff (base
// delay) and full jitter.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	cur := delay
	if cur <= 0 {
		cur = 100 * time.Millisecond
	}
	var lastErr error
	lastV := zero

	meter := otel.Meter("workflow-engine")
	attemptCounter, _ := meter.Int64Counter("workflow_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("workflow_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("workflow_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		lastV = v
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return lastV, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return lastV, lastErr
}
