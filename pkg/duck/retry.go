package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxRetries        = 8
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// isTransactionConflictError checks if an error is a transaction conflict error that should be retried
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "Conflict on tuple deletion") ||
		strings.Contains(errStr, "Could not set lock on file")
}

// RetryConflicts runs fn, retrying with exponential backoff while it fails
// with a transaction conflict. Other errors are returned immediately.
func RetryConflicts(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("duck: operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return nil
		}
		if !isTransactionConflictError(err) {
			return backoff.Permanent(err)
		}
		log.Warn("duck: transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxRetries, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries-1), ctx))
	if err != nil && isTransactionConflictError(err) {
		return fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
	}
	return err
}
