// Package retry wraps exponential backoff with jitter, built on
// sethvargo/go-retry. It distinguishes transient from permanent
// failures via internal/errors.AppError.Retryable and honors an
// explicit Retry-After hint when the error carries one.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// Policy configures Do, mapping onto Retry config block.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	return b
}

// Do runs fn, retrying on transient AppErrors per policy. Permanent
// errors (Validation, Permanent, Conflict, Fatal, or any non-AppError)
// return on the first attempt.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	b := policy.backoff()

	var result T
	var lastErr error

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		result, err = fn(ctx)
		lastErr = err
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err // non-retryable: retry.Do stops immediately
		}

		if delay, ok := retryAfterHint(err); ok {
			// An explicit server hint (e.g. a 429's Retry-After)
			// takes priority over our own computed backoff for this
			// one wait.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		return retry.RetryableError(err)
	})

	if err != nil {
		if lastErr != nil {
			return result, lastErr
		}
		return result, err
	}
	return result, nil
}

func isRetryable(err error) bool {
	var appErr *appErrors.AppError
	if appErrors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}

func retryAfterHint(err error) (time.Duration, bool) {
	var appErr *appErrors.AppError
	if !appErrors.As(err, &appErr) {
		return 0, false
	}
	if appErr.RetryAfter <= 0 {
		return 0, false
	}
	return time.Duration(appErr.RetryAfter) * time.Second, true
}
