package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rafimumtaz/ChitChat/internal/reliability"
)

// DialFunc opens an AMQP connection
type DialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager owns the RabbitMQ connection and replaces it in the
// background when the broker closes it.
type ConnectionManager struct {
	url            string
	name           string
	dial           DialFunc
	connectTimeout time.Duration
	reconnect      *reliability.ExponentialBackoff
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closed      bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect.InitialInterval = delay
	}
}

// WithMaxRetries bounds reconnection attempts. Zero retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect.MaxAttempts = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithConnectionName sets the name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		name:           "chitchat",
		connectTimeout: 30 * time.Second,
		reconnect:      reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 0),
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	cm.dial = cm.dialConfig

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func (cm *ConnectionManager) dialConfig(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": cm.name},
	})
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

// OpenChannel opens a channel on the current connection
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}

	return nil
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		// close a connection that arrives after we gave up on it
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// handleReconnect waits for the connection to drop and dials until a new one is up
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.logger.Error("connection closed", "error", err)

	case <-cm.done:
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	start := time.Now()
	attempt := 0
	err := reliability.Retry(ctx, "reconnect", cm.reconnect, func(ctx context.Context) error {
		attempt++
		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			cm.logger.Warn("reconnection failed", "error", err, "attempt", attempt)
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			_ = conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn)
		go cm.handleReconnect(cm.notifyClose)
		return nil
	})

	switch {
	case err == nil:
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start),
		)
	case errors.Is(err, reliability.ErrMaxRetriesExceeded):
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(start),
			"error", err,
		)
	}
}
