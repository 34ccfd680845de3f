package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields get sensible defaults.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	// Default: 4.
	Attempts int

	// BaseDelay is the backoff before the second attempt. Each further
	// attempt doubles it. Default: 250ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 4s.
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 4 * time.Second
	}
	return c
}

// Permanent wraps err so [Retry] stops immediately instead of retrying.
// Use it for failures that cannot succeed on a later attempt (4xx responses,
// validation errors).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Retry runs fn up to cfg.Attempts times with full-jitter exponential
// backoff between tries. It returns nil on the first success, the unwrapped
// error as soon as fn returns a [Permanent] failure, and otherwise the last
// error once attempts are exhausted. Backoff sleeps respect ctx.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			// Full jitter: sleep a uniform random slice of the window.
			sleep := time.Duration(rand.Int64N(int64(delay)) + 1)
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = min(delay*2, cfg.MaxDelay)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
