package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy controls how Do backs off between attempts.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy suits short outbound HTTP calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type unrecoverableError struct {
	err error
}

func (u unrecoverableError) Error() string { return u.err.Error() }
func (u unrecoverableError) Unwrap() error { return u.err }

// Unrecoverable marks an error so Do stops immediately instead of burning
// the remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverableError{err: err}
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// is done. Delays grow exponentially and are capped at MaxDelay.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		var fatal unrecoverableError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		lastErr = err

		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt)))
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		if policy.Jitter {
			// Up to 20% extra so synchronized clients spread out.
			delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}
