package modelclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// retrySchedule is the backoff ladder for idempotent transient failures
// (429 and 5xx). Capped at ceiling regardless of how many delays remain.
var retrySchedule = struct {
	delays  []time.Duration
	ceiling time.Duration
}{
	delays:  []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond, 2000 * time.Millisecond},
	ceiling: 4 * time.Second,
}

// isRetryableStatus reports whether an HTTP status warrants a retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// withRetry executes fn up to len(retrySchedule.delays)+1 times, retrying
// only when fn's error is a *ModelTransportError with a retryable status.
func withRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}

	if !shouldRetry(err) {
		return result, err
	}

	for i, delay := range retrySchedule.delays {
		if delay > retrySchedule.ceiling {
			delay = retrySchedule.ceiling
		}

		slog.Warn("model backend transient failure, retrying",
			"operation", operation,
			"attempt", i+2,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-time.After(delay):
		}

		result, err = fn()
		if err == nil {
			return result, nil
		}
		if !shouldRetry(err) {
			return result, err
		}
	}

	return result, err
}

func shouldRetry(err error) bool {
	mte, ok := err.(*ModelTransportError)
	if !ok {
		return false
	}
	return isRetryableStatus(mte.StatusCode)
}
