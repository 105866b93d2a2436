package common

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryOptions configures the bounded exponential backoff applied to
// collaborator calls. OCR and classification share the same semantics.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryOptions matches the dispatcher contract: three attempts,
// one second base delay.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: time.Second}
}

// WithRetry runs operation up to MaxAttempts times, sleeping
// 2^attempt * BaseDelay between failures. Non-transient errors abort
// immediately. The final error carries the attempt count so it can be
// surfaced verbatim on the invoice ("attempt 3/3").
func WithRetry(ctx context.Context, logger *zap.Logger, opts RetryOptions, operation func() error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := opts.BaseDelay * (1 << uint(attempt))
		logger.Warn("Operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("attempt %d/%d: %w", opts.MaxAttempts, opts.MaxAttempts, lastErr)
}
