package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Publisher errors
	ErrBrokerUnavailable   = errors.New("rabbitmq: broker unavailable")
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrPublishNacked       = errors.New("rabbitmq: publish nacked by broker")

	// Consumer errors
	ErrDisconnected = errors.New("rabbitmq: consumer disconnected")

	// Topology errors
	ErrTopologyConflict          = errors.New("rabbitmq: topology conflicts with existing declaration")
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	MessageID  string    // Publisher message id
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish %s to %s/%s: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsFatal reports errors that retrying the same operation cannot fix
func IsFatal(err error) bool {
	return errors.Is(err, ErrTopologyConflict)
}

// SanitizeURL hides the password of an AMQP URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
