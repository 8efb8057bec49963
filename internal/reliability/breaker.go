package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a dependency after repeated failures and lets a
// single probe through once the cool-down has passed.
type Breaker struct {
	name             string
	failureThreshold int
	coolDown         time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = n
	}
}

// WithCoolDown sets how long the breaker stays open before probing
func WithCoolDown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.coolDown = d
	}
}

// WithBreakerName names the breaker in errors and logs
func WithBreakerName(name string) BreakerOption {
	return func(b *Breaker) {
		b.name = name
	}
}

// WithBreakerLogger sets the logger for state changes
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithBreakerClock overrides the clock
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             "default",
		failureThreshold: 5,
		coolDown:         10 * time.Second,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Execute runs fn unless the breaker is open. A *BreakerError is returned
// without calling fn while it is.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(probe, err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.probeInFlight = false
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		next := b.openedAt.Add(b.coolDown)
		if b.now().Before(next) {
			return false, &BreakerError{Name: b.name, Failures: b.failures, NextRetry: next}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return false, &BreakerError{Name: b.name, Failures: b.failures, NextRetry: b.now().Add(b.coolDown)}
		}
		b.probeInFlight = true
		return true, nil
	}

	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
	}

	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}

	b.failures++
	if probe || b.failures >= b.failureThreshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// transition must be called with mu held
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("breaker state changed",
		"breaker", b.name,
		"from", b.state.String(),
		"to", to.String(),
		"failures", b.failures,
	)
	b.state = to
}
