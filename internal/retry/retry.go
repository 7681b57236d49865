// Package retry is the single backoff policy shared by the queue, the template
// index and the paid fallback client.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts counts the initial call. Values below 1 mean one attempt.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Multiplier is applied to the backoff after each failed attempt.
	Multiplier float64

	// JitterFraction randomizes each sleep by +/- this fraction of the backoff.
	JitterFraction float64

	// Retryable reports whether err is worth another attempt.
	// Nil means IsRetryable.
	Retryable func(error) bool
}

// Default returns the policy used for network collaborators.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Once returns a policy that never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy's
// attempts are used up. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(p.sleep(backoff)):
		}

		if p.Multiplier > 0 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
		}
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}

func (p Policy) sleep(backoff time.Duration) time.Duration {
	jitter := time.Duration(float64(backoff) * p.JitterFraction * (rand.Float64()*2 - 1))
	d := backoff + jitter
	if d < 0 {
		return backoff
	}
	return d
}

// IsRetryable treats everything except caller cancellation as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so IsRetryable rejects it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
