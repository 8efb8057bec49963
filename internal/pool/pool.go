package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Conn is a connection the pool can lend out
type Conn interface {
	comparable
	// Ping is the liveness probe run on every release
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a new connection
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// Option configures a pool
type Option func(*settings)

type settings struct {
	name           string
	maxSize        int
	acquireTimeout time.Duration
	probeTimeout   time.Duration
	logger         *slog.Logger
}

// WithName sets the name used in log records
func WithName(name string) Option {
	return func(s *settings) {
		s.name = name
	}
}

// WithMaxSize sets the maximum number of open connections
func WithMaxSize(size int) Option {
	return func(s *settings) {
		s.maxSize = size
	}
}

// WithAcquireTimeout bounds how long Acquire waits. Zero waits until ctx ends.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.acquireTimeout = timeout
	}
}

// WithProbeTimeout bounds the liveness probe run on release
func WithProbeTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.probeTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// Pool lends out at most maxSize connections
type Pool[C Conn] struct {
	settings
	dial DialFunc[C]

	idle  chan C
	freed chan struct{}

	// mu guards the accounting below and is never held across dial, probe or wait
	mu      sync.Mutex
	created int
	lent    map[C]struct{}
	closed  bool
}

// Stats is a point-in-time view of the pool
type Stats struct {
	MaxSize int
	Created int
	Idle    int
	InUse   int
}

// New creates an empty pool; connections are dialed on demand
func New[C Conn](dial DialFunc[C], options ...Option) (*Pool[C], error) {
	s := settings{
		name:           "pool",
		maxSize:        5,
		acquireTimeout: 5 * time.Second,
		probeTimeout:   2 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.maxSize < 1 {
		return nil, ErrInvalidPoolSize
	}
	if dial == nil {
		return nil, fmt.Errorf("%w: nil dial func", ErrDialFailed)
	}

	return &Pool[C]{
		settings: s,
		dial:     dial,
		idle:     make(chan C, s.maxSize),
		freed:    make(chan struct{}, s.maxSize),
		lent:     make(map[C]struct{}, s.maxSize),
	}, nil
}

// Acquire lends a connection. It reuses an idle one, dials a new one while
// below the maximum, or waits for a release until the acquire timeout.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	start := time.Now()

	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	for {
		if p.isClosed() {
			return zero, ErrPoolClosed
		}

		select {
		case c := <-p.idle:
			p.lend(c)
			return c, nil
		default:
		}

		if p.reserve() {
			c, err := p.dial(ctx)
			if err != nil {
				p.unreserve()
				return zero, &AcquireError{
					Op:        "dial",
					Waited:    time.Since(start),
					Err:       fmt.Errorf("%w: %w", ErrDialFailed, err),
					Timestamp: time.Now(),
				}
			}
			p.logger.Debug("connection opened", "pool", p.name, "created", p.Stats().Created)
			p.lend(c)
			return c, nil
		}

		select {
		case c := <-p.idle:
			p.lend(c)
			return c, nil

		case <-p.freed:
			// a slot was freed by a discarded connection, try to dial again

		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrAcquireTimeout
			}
			return zero, &AcquireError{
				Op:        "acquire",
				Waited:    time.Since(start),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
}

// Release returns a lent connection. A connection failing its probe is
// closed and its slot freed for a future dial.
func (p *Pool[C]) Release(c C) {
	if !p.unlend(c) {
		p.logger.Warn("release of connection not lent by this pool", "pool", p.name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	err := c.Ping(ctx)
	cancel()
	if err != nil {
		p.logger.Warn("connection failed liveness probe, discarding",
			"pool", p.name,
			"error", err,
		)
		p.destroy(c)
		return
	}

	p.mu.Lock()
	if !p.closed {
		select {
		case p.idle <- c:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()

	p.destroy(c)
}

// Discard closes a lent connection without probing it
func (p *Pool[C]) Discard(c C) {
	if !p.unlend(c) {
		return
	}
	p.destroy(c)
}

// With runs fn with a lent connection and always gives it back, including
// when fn panics.
func (p *Pool[C]) With(ctx context.Context, fn func(C) error) (err error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.Discard(c)
			err = &PanicError{Value: r}
			return
		}
		p.Release(c)
	}()

	return fn(c)
}

// CloseAll closes every idle connection and rejects further acquisitions.
// Connections still lent out are closed when they are released.
func (p *Pool[C]) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
		default:
			return errors.Join(errs...)
		}
	}
}

// Stats returns the current accounting
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize: p.maxSize,
		Created: p.created,
		Idle:    len(p.idle),
		InUse:   len(p.lent),
	}
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// reserve claims a creation slot if one is available
func (p *Pool[C]) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.created >= p.maxSize {
		return false
	}
	p.created++
	return true
}

func (p *Pool[C]) unreserve() {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Pool[C]) lend(c C) {
	p.mu.Lock()
	p.lent[c] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool[C]) unlend(c C) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lent[c]; !ok {
		return false
	}
	delete(p.lent, c)
	return true
}

func (p *Pool[C]) destroy(c C) {
	if err := c.Close(); err != nil {
		p.logger.Debug("error closing connection", "pool", p.name, "error", err)
	}
	p.unreserve()
}
