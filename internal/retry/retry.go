// Package retry runs operations with exponential backoff, retrying only the
// failures the error taxonomy marks as transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Policy bounds the retries of a single operation
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used when config leaves retry settings empty
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop ends the retry loop without changing how err classifies. Do returns
// err itself, not the wrapper.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do runs op until it succeeds, fails non-transiently, or the attempts run
// out. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, logger zerolog.Logger, operation string, op func(ctx context.Context) error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var stop *stopError
		if errors.As(err, &stop) {
			return backoff.Permanent(stop.err)
		}
		if !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("transient failure, retrying")
	}

	return backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
}

// Value is Do for operations that return a result
func Value[T any](ctx context.Context, p Policy, logger zerolog.Logger, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, logger, operation, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
