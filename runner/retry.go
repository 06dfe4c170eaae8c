package runner

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy grows the delay by Factor on every failure.
//
//	ExponentialBackoffStrategy{
//	    Base:   10 * time.Millisecond,
//	    Factor: 2,
//	    Max:    250 * time.Millisecond,
//	}
type ExponentialBackoffStrategy struct {
	// Base is the starting delay
	Base time.Duration
	// Factor is multiplied each iteration (2 => 10ms, 20ms, 40ms, ...)
	Factor float64
	// Max caps the exponential growth
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && time.Duration(delay) > e.Max {
		return e.Max
	}
	return time.Duration(delay)
}

// ErrNoAttempts is returned when Retry is asked to run zero times.
var ErrNoAttempts = errors.New("runner: maxAttempts must be at least 1")

// Retry calls fn until it succeeds, shouldRetry rejects the error, maxAttempts
// calls have been made, or ctx is done. The attempt passed to fn is zero based.
// The last error from fn is returned unwrapped.
func Retry(ctx context.Context, maxAttempts int, strategy RetryStrategy, shouldRetry func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if maxAttempts < 1 {
		return ErrNoAttempts
	}
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		if delay := strategy.SleepDuration(attempt, err); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
	return err
}
