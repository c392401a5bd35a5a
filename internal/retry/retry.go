// Package retry wraps request dispatch with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orionchat/orion-core/pkg/types"
)

// Config controls the retry policy.
type Config struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// BaseInterval is the initial backoff delay (delay = base * 2^attempt,
	// with jitter).
	BaseInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
	// MaxElapsed caps total retrying time. Zero means no cap.
	MaxElapsed time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
	}
}

// FromTypes converts the application config into a retry Config.
func FromTypes(cfg types.RetryConfig) Config {
	out := DefaultConfig()
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseIntervalMS > 0 {
		out.BaseInterval = time.Duration(cfg.BaseIntervalMS) * time.Millisecond
	}
	if cfg.MaxIntervalMS > 0 {
		out.MaxInterval = time.Duration(cfg.MaxIntervalMS) * time.Millisecond
	}
	if cfg.MaxElapsedMS > 0 {
		out.MaxElapsed = time.Duration(cfg.MaxElapsedMS) * time.Millisecond
	}
	return out
}

// Controller retries transient failures with exponential backoff and jitter.
type Controller struct {
	cfg Config
}

// New creates a retry controller.
func New(cfg Config) *Controller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Controller{cfg: cfg}
}

// newBackoff builds the context-aware exponential policy. Jitter avoids
// thundering-herd retries; the context aborts a backoff wait immediately.
func (c *Controller) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = c.cfg.MaxElapsed
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
}

// Do runs op, retrying transient failures until the attempt budget or ctx
// is exhausted. Fatal errors and cancellations short-circuit immediately.
func (c *Controller) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return backoff.Permanent(pe.err)
		}
		if !Retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackoff(ctx))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of classification.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable classifies err. Cancellation of the governing context and
// fatal provider errors are never retried; per-attempt timeouts and other
// transient failures are.
func Retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		// The cycle itself was cancelled; do not retry regardless of
		// what the attempt reported.
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if se, ok := types.AsSessionError(err); ok {
		return !se.Fatal()
	}
	// Attempt deadline expiry and plain errors count as transient.
	return true
}
