package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rafimumtaz/ChitChat/internal/pool"
)

// Connection is the broker connection being watched
type Connection interface {
	IsConnected() bool
}

// QueueInspector reports queue counts
type QueueInspector interface {
	Inspect(ctx context.Context, queue string) (amqp.Queue, error)
}

// Storage is the persistence layer being watched
type Storage interface {
	Ping(ctx context.Context) error
	Stats() pool.Stats
}

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]any),
	}
}

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	conn Connection
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(conn Connection) *RabbitMQChecker {
	return &RabbitMQChecker{conn: conn}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	connected := c.conn.IsConnected()
	result.Details["connected"] = connected

	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to RabbitMQ"
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// QueueChecker checks that the chat queue exists and is draining
type QueueChecker struct {
	queue     string
	inspector QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker that reports degraded above threshold messages
func NewQueueChecker(queue string, inspector QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{
		queue:     queue,
		inspector: inspector,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	q, err := c.inspector.Inspect(ctx, c.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queue)
		result.Error = err.Error()
		result.Duration = time.Since(result.Timestamp)
		return result
	}

	result.Details["message_count"] = q.Messages
	result.Details["consumer_count"] = q.Consumers

	switch {
	case c.threshold > 0 && q.Messages > c.threshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	case q.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumers", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// PoolChecker checks that a storage session can be borrowed and used
type PoolChecker struct {
	storage Storage
}

// NewPoolChecker creates a storage pool checker
func NewPoolChecker(storage Storage) *PoolChecker {
	return &PoolChecker{storage: storage}
}

func (c *PoolChecker) Name() string {
	return "storage_pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	stats := c.storage.Stats()
	result.Details["max_size"] = stats.MaxSize
	result.Details["created"] = stats.Created
	result.Details["idle"] = stats.Idle
	result.Details["in_use"] = stats.InUse

	if err := c.storage.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Storage not reachable"
		result.Error = err.Error()
	} else if stats.InUse >= stats.MaxSize {
		result.Status = StatusDegraded
		result.Message = "Every session is lent out"
	} else {
		result.Status = StatusHealthy
		result.Message = "Storage pool is healthy"
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}
