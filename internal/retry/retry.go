// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config describes the retry schedule.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64
}

// DefaultConfig retries twice starting at 100ms.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     400 * time.Millisecond,
	Multiplier:   2.0,
}

func (c Config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultConfig.InitialDelay
	}
	b.MaxInterval = c.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = c.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	return b
}

// WithRetry calls fn until it succeeds, returns an error isRetryable rejects,
// the attempts run out, or ctx is done. The last error is returned as is.
func WithRetry[T any](ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	op := func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		last = err
		if isRetryable == nil || !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && last != nil && ctx.Err() == nil {
		return v, last
	}
	return v, err
}
