package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int
	mu      sync.Mutex
	healthy bool
	closed  bool
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy || c.closed {
		return errors.New("connection lost")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	dials atomic.Int32
	fail  atomic.Bool
}

func (d *fakeDialer) dial(ctx context.Context) (*fakeConn, error) {
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	n := d.dials.Add(1)
	return &fakeConn{id: int(n), healthy: true}, nil
}

func newTestPool(t *testing.T, d *fakeDialer, options ...Option) *Pool[*fakeConn] {
	t.Helper()
	p, err := New(d.dial, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.CloseAll() })
	return p
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		p := newTestPool(t, &fakeDialer{})
		assert.Equal(t, 5, p.maxSize)
		assert.Equal(t, 5*time.Second, p.acquireTimeout)
		assert.Equal(t, 2*time.Second, p.probeTimeout)
		assert.NotNil(t, p.logger)
		assert.Equal(t, Stats{MaxSize: 5}, p.Stats())
	})

	t.Run("rejects a zero max size", func(t *testing.T) {
		d := &fakeDialer{}
		_, err := New(d.dial, WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidPoolSize)
	})
}

func TestAcquireRelease(t *testing.T) {
	t.Run("creates lazily and reuses released connections", func(t *testing.T) {
		d := &fakeDialer{}
		p := newTestPool(t, d, WithMaxSize(2))
		ctx := context.Background()

		c1, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{MaxSize: 2, Created: 1, InUse: 1}, p.Stats())

		p.Release(c1)
		assert.Equal(t, Stats{MaxSize: 2, Created: 1, Idle: 1}, p.Stats())

		c2, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.Same(t, c1, c2)
		assert.Equal(t, int32(1), d.dials.Load())
		p.Release(c2)
	})

	t.Run("extra acquisitions block until a release", func(t *testing.T) {
		const maxSize, extra = 3, 2
		d := &fakeDialer{}
		p := newTestPool(t, d, WithMaxSize(maxSize), WithAcquireTimeout(5*time.Second))
		ctx := context.Background()

		held := make([]*fakeConn, 0, maxSize)
		for i := 0; i < maxSize; i++ {
			c, err := p.Acquire(ctx)
			require.NoError(t, err)
			held = append(held, c)
		}

		got := make(chan *fakeConn, extra)
		for i := 0; i < extra; i++ {
			go func() {
				c, err := p.Acquire(ctx)
				if err == nil {
					got <- c
				}
			}()
		}

		time.Sleep(50 * time.Millisecond)
		assert.Len(t, got, 0, "acquisitions beyond max size must wait")
		assert.Equal(t, maxSize, p.Stats().Created)

		p.Release(held[0])
		select {
		case c := <-got:
			assert.Same(t, held[0], c)
		case <-time.After(time.Second):
			t.Fatal("waiter was not handed the released connection")
		}
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, got, 0, "only one waiter is served per release")

		p.Release(held[1])
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("second waiter was not served")
		}
		assert.Equal(t, int32(maxSize), d.dials.Load())
		assert.LessOrEqual(t, p.Stats().Created, maxSize)
	})

	t.Run("times out when exhausted", func(t *testing.T) {
		p := newTestPool(t, &fakeDialer{}, WithMaxSize(1), WithAcquireTimeout(30*time.Millisecond))
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer p.Release(c)

		_, err = p.Acquire(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAcquireTimeout)
		var acqErr *AcquireError
		require.ErrorAs(t, err, &acqErr)
		assert.Equal(t, "acquire", acqErr.Op)
	})

	t.Run("failed probe frees the slot for a fresh connection", func(t *testing.T) {
		d := &fakeDialer{}
		p := newTestPool(t, d, WithMaxSize(1), WithAcquireTimeout(100*time.Millisecond))
		ctx := context.Background()

		c1, err := p.Acquire(ctx)
		require.NoError(t, err)
		c1.kill()
		p.Release(c1)

		assert.True(t, c1.isClosed())
		assert.Equal(t, 0, p.Stats().Created)

		c2, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.NotSame(t, c1, c2)
		assert.Equal(t, int32(2), d.dials.Load())
		p.Release(c2)
	})

	t.Run("waiter dials when a held connection is discarded", func(t *testing.T) {
		d := &fakeDialer{}
		p := newTestPool(t, d, WithMaxSize(1), WithAcquireTimeout(time.Second))
		c1, err := p.Acquire(context.Background())
		require.NoError(t, err)

		done := make(chan *fakeConn, 1)
		go func() {
			c, err := p.Acquire(context.Background())
			if err == nil {
				done <- c
			}
		}()

		time.Sleep(20 * time.Millisecond)
		c1.kill()
		p.Release(c1)

		select {
		case c := <-done:
			assert.NotSame(t, c1, c)
		case <-time.After(time.Second):
			t.Fatal("waiter should have dialed into the freed slot")
		}
	})

	t.Run("dial failure does not leak a slot", func(t *testing.T) {
		d := &fakeDialer{}
		d.fail.Store(true)
		p := newTestPool(t, d, WithMaxSize(1))

		_, err := p.Acquire(context.Background())
		assert.ErrorIs(t, err, ErrDialFailed)
		assert.Equal(t, 0, p.Stats().Created)

		d.fail.Store(false)
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(c)
	})

	t.Run("release of a foreign connection is ignored", func(t *testing.T) {
		p := newTestPool(t, &fakeDialer{})
		foreign := &fakeConn{healthy: true}
		p.Release(foreign)
		assert.False(t, foreign.isClosed())
		assert.Equal(t, 0, p.Stats().Idle)
	})
}

func TestWith(t *testing.T) {
	t.Run("releases after success and failure", func(t *testing.T) {
		p := newTestPool(t, &fakeDialer{}, WithMaxSize(1))
		ctx := context.Background()

		require.NoError(t, p.With(ctx, func(c *fakeConn) error { return nil }))
		boom := errors.New("boom")
		assert.ErrorIs(t, p.With(ctx, func(c *fakeConn) error { return boom }), boom)

		assert.Equal(t, Stats{MaxSize: 1, Created: 1, Idle: 1}, p.Stats())
	})

	t.Run("discards the connection when the callback panics", func(t *testing.T) {
		p := newTestPool(t, &fakeDialer{}, WithMaxSize(1))

		var held *fakeConn
		err := p.With(context.Background(), func(c *fakeConn) error {
			held = c
			panic("mid-transaction")
		})

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "mid-transaction", panicErr.Value)
		assert.True(t, held.isClosed())
		assert.Equal(t, Stats{MaxSize: 1}, p.Stats())
	})
}

func TestCloseAll(t *testing.T) {
	d := &fakeDialer{}
	p, err := New(d.dial, WithMaxSize(2))
	require.NoError(t, err)
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	lent, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.CloseAll())
	assert.True(t, idle.isClosed())
	assert.False(t, lent.isClosed())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Release(lent)
	assert.True(t, lent.isClosed())
	assert.Equal(t, 0, p.Stats().Created)

	assert.NoError(t, p.CloseAll(), "closing twice is a no-op")
}
