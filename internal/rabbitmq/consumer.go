package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/internal/reliability"
)

// Dispatcher applies a decoded envelope to storage
type Dispatcher interface {
	Apply(ctx context.Context, env contracts.Envelope) contracts.Result
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, env contracts.Envelope) contracts.Result

func (f DispatcherFunc) Apply(ctx context.Context, env contracts.Envelope) contracts.Result {
	return f(ctx, env)
}

// State is the consumer loop state
type State int32

const (
	StateConnecting State = iota
	StateTopologyReady
	StateConsuming
	StateDispatching
	StateAcking
	StateNacking
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTopologyReady:
		return "topology-ready"
	case StateConsuming:
		return "consuming"
	case StateDispatching:
		return "dispatching"
	case StateAcking:
		return "acking"
	case StateNacking:
		return "nacking"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Consumer moves deliveries from the chat queue into storage, one at a time.
// A delivery is acked only after its envelope is durably applied.
type Consumer struct {
	source        ChannelSource
	dispatcher    Dispatcher
	queue         string
	topology      *Topology
	prefetchCount int
	consumerTag   string
	policy        reliability.Policy
	backoff       *reliability.Backoff
	logger        *slog.Logger

	state atomic.Int32
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithPolicy sets how failed deliveries are settled
func WithPolicy(p reliability.Policy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = p
	}
}

// WithTopology declares t on the consuming channel before consuming
func WithTopology(t Topology) ConsumerOption {
	return func(c *Consumer) {
		c.topology = &t
	}
}

// WithRequeueBackoff sets the pause applied after consecutive failures
func WithRequeueBackoff(policy *reliability.ExponentialBackoff) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = reliability.NewBackoff(policy)
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(source ChannelSource, queue string, dispatcher Dispatcher, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:        source,
		dispatcher:    dispatcher,
		queue:         queue,
		prefetchCount: 1,
		consumerTag:   "chitchat-" + uuid.NewString(),
		policy:        reliability.DefaultPolicy(),
		backoff:       reliability.NewBackoff(reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 0)),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// State returns the current loop state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx ends, the transport is lost or a delivery fails
// fatally. It returns nil on cancellation and an error wrapping
// ErrDisconnected on transport loss. Cancellation is observed between
// deliveries; a delivery being dispatched always runs to its settlement.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)

	ch, err := c.source.OpenChannel()
	if err != nil {
		return c.consumerError("open channel", fmt.Errorf("%w: %w", ErrDisconnected, err))
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if c.topology != nil {
		if err := Declare(ch, *c.topology); err != nil {
			return err
		}
	}
	c.setState(StateTopologyReady)

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError("qos", fmt.Errorf("%w: %w", ErrDisconnected, err))
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerError("consume", fmt.Errorf("%w: %w", ErrDisconnected, err))
	}

	c.setState(StateConsuming)
	c.logger.Info("consuming",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped", "queue", c.queue)
			return nil

		case amqpErr := <-closed:
			return c.consumerError("consume", fmt.Errorf("%w: channel closed: %v", ErrDisconnected, amqpErr))

		case d, ok := <-deliveries:
			if !ok {
				return c.consumerError("consume", fmt.Errorf("%w: delivery stream closed", ErrDisconnected))
			}
			if err := c.handle(ctx, d); err != nil {
				return err
			}
			c.setState(StateConsuming)
		}
	}
}

// handle dispatches and settles one delivery. A non-nil error ends Run.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) error {
	c.setState(StateDispatching)

	env, result := c.dispatch(context.WithoutCancel(ctx), d)
	decision := reliability.Decide(result, c.policy)

	if !result.OK() {
		attrs := []any{
			"messageId", messageID(d, env),
			"type", d.Type,
			"deliveryTag", d.DeliveryTag,
			"redelivered", d.Redelivered,
			"kind", result.Kind.String(),
			"action", decision.Action.String(),
			"error", result.Err,
		}
		if count, ok := d.Headers["x-delivery-count"]; ok {
			attrs = append(attrs, "deliveryCount", count)
		}
		c.logger.Warn("delivery not applied", attrs...)
	}

	if err := c.settle(d, decision.Action); err != nil {
		return c.consumerError(decision.Action.String(), fmt.Errorf("%w: %w", ErrDisconnected, err))
	}

	if decision.Stop {
		return c.consumerError("dispatch", result.Err)
	}

	if !decision.Backoff {
		c.backoff.Success()
		return nil
	}

	// Pause before the requeued delivery comes back. Cancellation here just
	// ends the pause; Run notices it on the next select.
	_ = reliability.Sleep(ctx, c.backoff.Failure())
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) (env contracts.Envelope, result contracts.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = contracts.Failure(contracts.Fatal, fmt.Errorf("dispatcher panic: %v", r))
		}
	}()

	env, err := contracts.Decode(d.Body)
	if err != nil {
		return nil, contracts.Failure(contracts.Validation, err)
	}
	return env, c.dispatcher.Apply(ctx, env)
}

func (c *Consumer) settle(d amqp.Delivery, action reliability.Action) error {
	switch action {
	case reliability.Ack:
		c.setState(StateAcking)
		return d.Ack(false)
	case reliability.NackDiscard:
		c.setState(StateNacking)
		return d.Nack(false, false)
	default:
		c.setState(StateNacking)
		return d.Nack(false, true)
	}
}

func (c *Consumer) consumerError(op string, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

func messageID(d amqp.Delivery, env contracts.Envelope) string {
	if env != nil && env.IdempotencyKey() != "" {
		return env.IdempotencyKey()
	}
	return d.MessageId
}
