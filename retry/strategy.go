// Package retry provides bounded backoff strategies for broker reconnection.
// Delays grow from BaseDelay by ExponentialBase per attempt and are capped at
// MaxDelay, so a client keeps retrying at a steady ceiling instead of giving up.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Strategy defines the reconnect behavior after a transport failure.
//
// The delay follows: delay = min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay)
//
// Example with defaults (5s base, 1.0 exponential, 30s max):
//
//	Attempt 1: 5s
//	Attempt 2: 5s
//	Attempt 3: 5s
//
// Example with BackoffStrategy (1s base, 2.0 exponential, 30s max):
//
//	Attempt 1: 1s
//	Attempt 2: 2s
//	Attempt 3: 4s
//	...
//	Attempt 6: 30s (ceiling)
type Strategy struct {
	MaxAttempts     int           // Maximum attempts before giving up (0 = retry forever)
	BaseDelay       time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Ceiling for any single delay
	ExponentialBase float64       // Growth per attempt (1.0 = fixed delay)
}

// DefaultStrategy returns a fixed 5s reconnect delay with no attempt limit.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:     0,
		BaseDelay:       5 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 1.0,
	}
}

// BackoffStrategy returns a doubling delay from 1s up to a 30s ceiling,
// retrying forever.
func BackoffStrategy() Strategy {
	return Strategy{
		MaxAttempts:     0,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// CalculateRetryDelay returns the delay before the given 1-based attempt.
// Attempts below 1 return BaseDelay.
func (s Strategy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 1 || s.ExponentialBase <= 1.0 {
		return s.capped(float64(s.BaseDelay))
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber-1))
	return s.capped(delay)
}

func (s Strategy) capped(delay float64) time.Duration {
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable checks if another attempt is allowed.
// A zero MaxAttempts never exhausts.
func (s Strategy) IsRetryable(attemptCount int) bool {
	if s.MaxAttempts <= 0 {
		return true
	}
	return attemptCount < s.MaxAttempts
}

// Wait blocks for the delay of the given attempt or until ctx is done.
func (s Strategy) Wait(ctx context.Context, attemptNumber int) error {
	timer := time.NewTimer(s.CalculateRetryDelay(attemptNumber))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetRetrySchedule returns a human-readable description of the first n delays.
//
// Example output:
//
//	Retry Schedule:
//	  Attempt 1: after 5s
//	  Attempt 2: after 5s
//	  → retries forever
func (s Strategy) GetRetrySchedule(n int) string {
	limit := n
	if s.MaxAttempts > 0 && s.MaxAttempts < limit {
		limit = s.MaxAttempts
	}
	schedule := "Retry Schedule:\n"
	for i := 1; i <= limit; i++ {
		schedule += fmt.Sprintf("  Attempt %d: after %v\n", i, s.CalculateRetryDelay(i))
	}
	if s.MaxAttempts <= 0 {
		schedule += "  → retries forever\n"
	} else {
		schedule += "  → give up\n"
	}
	return schedule
}
