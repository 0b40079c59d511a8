// Package retry runs an operation with bounded exponential backoff.
//
// After a failed attempt i (zero-indexed) that is not the last one, Do
// sleeps Base * 2^i before trying again. No sleep follows the final attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/ranya-runtime/internal/observability"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, not the number of retries.
	MaxAttempts int
	Base        time.Duration
	// MaxDelay caps a single backoff. Zero means no cap.
	MaxDelay time.Duration
	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc
	// Name labels log lines and metrics.
	Name   string
	Logger *zerolog.Logger
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Name == "" {
		p.Name = "default"
	}
	return p
}

// Delay returns the backoff after failed attempt (zero-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d >= 1<<62 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls op until it succeeds, returns a permanent error, or MaxAttempts
// calls have failed. The error after exhaustion wraps the last attempt's
// error.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.normalized()
	logger := log.Logger
	if p.Logger != nil {
		logger = *p.Logger
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			observability.RecordRetryAttempt(p.Name, "success")
			return result, nil
		}

		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			observability.RecordRetryAttempt(p.Name, "permanent")
			return zero, perm.err
		}

		// Last attempt - don't wait
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		observability.RecordRetryAttempt(p.Name, "retry")
		logger.Info().
			Str("operation", p.Name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		if err := p.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt+1, errors.Join(err, lastErr))
		}
	}

	observability.RecordRetryAttempt(p.Name, "exhausted")
	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
