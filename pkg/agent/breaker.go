package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/pkg/retry"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
)

// BreakerConfig configures the circuit breaker around stream opening.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
	Logger      *zerolog.Logger
}

// BreakerProvider wraps a Provider with a circuit breaker. Only opening the
// stream is protected; failures while reading the body do not count.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[io.ReadCloser]
}

// NewBreakerProvider wraps inner.
func NewBreakerProvider(inner Provider, cfg BreakerConfig) *BreakerProvider {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "breaker").Logger()

	name := "stream:" + inner.Name()
	observability.SetBreakerState(name, float64(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[io.ReadCloser](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			observability.SetBreakerState(name, float64(to))
		},
		// Caller cancellation and permanent request errors say nothing about
		// the endpoint's health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return !statusErr.Retryable()
			}
			return retry.IsPermanent(err)
		},
	})

	return &BreakerProvider{inner: inner, breaker: cb}
}

// Name returns the wrapped provider's name.
func (p *BreakerProvider) Name() string {
	return p.inner.Name()
}

// OpenStream routes through the breaker. An open circuit is retryable so the
// retry backoff can outlast the open period.
func (p *BreakerProvider) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := p.breaker.Execute(func() (io.ReadCloser, error) {
		return p.inner.OpenStream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), err)
		}
		return nil, err
	}
	return body, nil
}

// State returns the current circuit state.
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}
