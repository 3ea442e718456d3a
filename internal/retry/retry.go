// Package retry provides the backoff policy shared by the connection
// manager, the index client and the downloader.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff curve.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries everything.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is
// not retryable, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * mult)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
