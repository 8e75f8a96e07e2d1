// Package retry wraps a black-box action with bounded retry and an optional
// circuit breaker, grounded on the teacher's HTTP mediator's
// executeWithRetry/gobreaker pairing.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Policy bounds retry attempts and backoff for one call site (e.g. the
// sweeper's broker publish).
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration

	breaker *gobreaker.CircuitBreaker
}

// Config configures a Policy's retry count, backoff, and circuit breaker.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerName        string
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultConfig returns sensible defaults: 3 attempts, 1s linear backoff, a
// breaker that trips at 50% failures once at least 10 requests are seen.
func DefaultConfig(name string) Config {
	return Config{
		MaxAttempts:               3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerName:        name,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// NewPolicy builds a Policy from cfg.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	if cfg.CircuitBreakerEnabled {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.CircuitBreakerName,
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		})
	}
	return p
}

// Retryable is implemented by errors that know whether a retry is worth
// attempting (e.g. a network timeout vs. a 4xx-style permanent rejection).
// Actions that don't return a Retryable error are always considered
// retryable until attempts are exhausted.
type Retryable interface {
	Retryable() bool
}

// Run executes action up to p.MaxAttempts times, honoring ctx cancellation
// and linear backoff (attempt * BaseBackoff) between tries. It returns true
// if action eventually succeeded. If a circuit breaker is configured and
// open, Run returns false immediately without invoking action.
func (p *Policy) Run(ctx context.Context, action func(ctx context.Context) error) bool {
	if p.breaker != nil {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.runAttempts(ctx, action)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				log.Warn().Str("breaker", p.breaker.Name()).Msg("circuit breaker open, skipping attempt")
			}
			return false
		}
		return true
	}
	return p.runAttempts(ctx, action) == nil
}

func (p *Policy) runAttempts(ctx context.Context, action func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}

		var r Retryable
		if errors.As(lastErr, &r) && !r.Retryable() {
			return lastErr
		}

		if attempt < p.MaxAttempts {
			backoff := time.Duration(attempt) * p.BaseBackoff
			log.Info().Int("attempt", attempt).Dur("backoff", backoff).Err(lastErr).Msg("retrying after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
