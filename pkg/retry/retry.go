// Package retry provides a bounded-retry combinator with exponential backoff.
//
// The combinator is independent of the synchronization engine: it retries an
// arbitrary operation until it succeeds, the attempt budget is exhausted, or
// the context is cancelled. Intermediate failures are reported only through
// the optional notify hook; the caller observes the final outcome.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default policy parameters, used for any zero-valued Policy field.
const (
	DefaultMaxAttempts     = 20
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// Policy bounds a retried operation. Inter-attempt delay grows exponentially
// from InitialInterval by Multiplier, capped at MaxInterval.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint

	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration

	// Multiplier is the growth factor applied to the delay after each
	// failed attempt. Must be greater than 1 to guarantee strictly
	// increasing delays.
	Multiplier float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Notify is invoked after each failed attempt with the attempt error and the
// delay before the next attempt. It is not invoked for the final failure.
type Notify func(err error, next time.Duration)

// Option configures a single Do invocation.
type Option func(*doConfig)

type doConfig struct {
	notify Notify
}

// WithNotify registers a hook observing intermediate failures.
func WithNotify(n Notify) Option {
	return func(cfg *doConfig) {
		cfg.notify = n
	}
}

// Do invokes op until it succeeds or the policy's attempt budget is
// exhausted, sleeping between attempts according to the policy. The last
// attempt error is returned on exhaustion, wrapped with the attempt count.
// Context cancellation aborts the wait immediately and returns the context
// error.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	cfg := &doConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	policy = policy.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.Multiplier = policy.Multiplier
	// No jitter: inter-attempt delays must be strictly increasing until
	// they hit MaxInterval.
	expo.RandomizationFactor = 0

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(policy.MaxAttempts),
		// Attempts are bounded by count, not wall-clock duration.
		backoff.WithMaxElapsedTime(0),
	}
	if cfg.notify != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(backoff.Notify(cfg.notify)))
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, retryOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("exhausted %d attempts: %w", policy.MaxAttempts, err)
	}
	return result, nil
}
