package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff computes delays growing by Multiplier up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts bounds Retry. Zero retries until the context ends.
	MaxAttempts int
	Jitter      bool
}

// NewExponentialBackoff creates a jittered exponential backoff
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// NextDelay returns the delay before retry number attempt (zero based)
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		// ±15%
		delay = delay*0.85 + rand.Float64()*0.3*delay
	}

	return time.Duration(delay)
}

// Retry runs fn until it succeeds, returns a Permanent error, the attempts
// run out or ctx ends.
func Retry(ctx context.Context, op string, policy *ExponentialBackoff, fn func(context.Context) error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		if policy.MaxAttempts > 0 && attempt+1 >= policy.MaxAttempts {
			return &RetryError{
				Op:        op,
				Attempts:  attempt + 1,
				LastError: err,
				Duration:  time.Since(start),
			}
		}

		if err := Sleep(ctx, policy.NextDelay(attempt)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx ends
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff tracks consecutive failures of a loop. Each Failure returns a
// longer pause; Success starts over.
type Backoff struct {
	policy *ExponentialBackoff

	mu       sync.Mutex
	failures int
}

// NewBackoff creates a tracker over policy
func NewBackoff(policy *ExponentialBackoff) *Backoff {
	return &Backoff{policy: policy}
}

// Failure records a failure and returns the pause to apply
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.policy.NextDelay(b.failures)
	b.failures++
	return d
}

// Success resets the failure count
func (b *Backoff) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failures returns the current consecutive failure count
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
