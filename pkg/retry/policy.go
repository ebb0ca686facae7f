package retry

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
)

// Policy is a bounded retry schedule. The zero value runs fn once.
type Policy struct {
	Attempts  uint          `mapstructure:"attempts"`
	Delay     time.Duration `mapstructure:"delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	MaxJitter time.Duration `mapstructure:"max_jitter"`
	Backoff   bool          `mapstructure:"backoff"`
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts uint, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

type settings struct {
	retryIf func(error) bool
	onRetry func(n uint, err error)
}

// Option customizes a single Do call.
type Option func(*settings)

// If overrides which errors are retried. Transient errors are retried by default.
func If(fn func(error) bool) Option {
	return func(s *settings) { s.retryIf = fn }
}

// Always retries every error except ones wrapped with Stop.
func Always() Option {
	return If(func(error) bool { return true })
}

// OnRetry registers a callback invoked before every retry.
func OnRetry(fn func(n uint, err error)) Option {
	return func(s *settings) { s.onRetry = fn }
}

type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Stop wraps err so Do returns it immediately.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do runs fn until it succeeds, the policy is exhausted, ctx is done or
// the error is not retryable. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	s := &settings{retryIf: IsTransient}
	for _, opt := range opts {
		opt(s)
	}

	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	retryOpts := []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var stop stopError
			if errors.As(err, &stop) {
				return false
			}
			return s.retryIf(err)
		}),
	}
	if p.Backoff {
		delayTypes := []retry.DelayTypeFunc{retry.BackOffDelay}
		if p.MaxJitter > 0 {
			retryOpts = append(retryOpts, retry.MaxJitter(p.MaxJitter))
			delayTypes = append(delayTypes, retry.RandomDelay)
		}
		retryOpts = append(retryOpts, retry.DelayType(retry.CombineDelay(delayTypes...)))
	} else {
		retryOpts = append(retryOpts, retry.DelayType(retry.FixedDelay))
	}
	if p.MaxDelay > 0 {
		retryOpts = append(retryOpts, retry.MaxDelay(p.MaxDelay))
	}
	if s.onRetry != nil {
		retryOpts = append(retryOpts, retry.OnRetry(s.onRetry))
	}

	err := retry.Do(func() error { return fn(ctx) }, retryOpts...)
	return unwrapStop(err)
}

func unwrapStop(err error) error {
	if stop, ok := err.(stopError); ok {
		return stop.err
	}
	return err
}
