package tserrors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig holds exponential-backoff-with-jitter retry configuration,
// used by Retry/RetryValue and by the ingestion queue worker via Backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Retry runs fn, retrying on retryable errors with exponential backoff and
// jitter up to cfg.MaxAttempts. The returned error (if any) on exhaustion
// wraps the last error encountered.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is the generic form of Retry for functions that also produce a
// value on success.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff exposes the same exponential-backoff-with-jitter calculation
// Retry uses internally, for callers that own their own retry loop (the
// distributed job queue reschedules failed jobs via a persisted
// next_attempt_at column rather than blocking in-process).
func Backoff(cfg RetryConfig, attempt int) time.Duration {
	return calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt)
}

func calculateBackoff(base, maxBackoff time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
