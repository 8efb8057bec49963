package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolClosed      = errors.New("pool: pool is closed")
	ErrAcquireTimeout  = errors.New("pool: timed out waiting for a connection")
	ErrDialFailed      = errors.New("pool: failed to open connection")
	ErrInvalidPoolSize = errors.New("pool: max size must be at least 1")
)

// AcquireError represents a failed acquisition
type AcquireError struct {
	Op        string        // acquire or dial
	Waited    time.Duration // time spent before giving up
	Err       error
	Timestamp time.Time
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("pool %s failed after %v: %v", e.Op, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// PanicError is returned by With when the callback panics
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pool: panic while holding connection: %v", e.Value)
}
