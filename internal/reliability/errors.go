package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownPolicy      = errors.New("reliability: unknown invalid-message policy")
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrCircuitOpen        = errors.New("breaker: circuit is open")
)

// RetryError is returned by Retry once the policy gives up
type RetryError struct {
	Op        string
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// BreakerError is returned while the breaker rejects calls
type BreakerError struct {
	Name      string
	Failures  int
	NextRetry time.Time
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("breaker %s open after %d failures, retry at %s",
		e.Name, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *BreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// permanent marks an error Retry must not repeat
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

func isPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}
