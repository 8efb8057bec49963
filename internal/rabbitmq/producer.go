package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/internal/pool"
	"github.com/rafimumtaz/ChitChat/internal/reliability"
)

// PublishChannel is a pooled channel the producer publishes on
type PublishChannel interface {
	// Publish returns once the broker confirmed msg
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Ping(ctx context.Context) error
	Close() error
}

// ChannelPool lends publish channels
type ChannelPool = pool.Pool[PublishChannel]

// confirmChannel is a channel in confirm mode
type confirmChannel struct {
	ch             Channel
	confirmTimeout time.Duration
}

func (c *confirmChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}
	if dc == nil {
		return ErrPublishNotConfirmed
	}

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishTimeout, err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

func (c *confirmChannel) Ping(ctx context.Context) error {
	if c.ch.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

func (c *confirmChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// ConfirmDialer opens channels from source and puts them in confirm mode
func ConfirmDialer(source ChannelSource, confirmTimeout time.Duration) pool.DialFunc[PublishChannel] {
	return func(ctx context.Context) (PublishChannel, error) {
		ch, err := source.OpenChannel()
		if err != nil {
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable confirms: %w", err)
		}
		return &confirmChannel{ch: ch, confirmTimeout: confirmTimeout}, nil
	}
}

// NewChannelPool creates a pool of confirm-mode channels
func NewChannelPool(source ChannelSource, confirmTimeout time.Duration, options ...pool.Option) (*ChannelPool, error) {
	return pool.New(ConfirmDialer(source, confirmTimeout), append([]pool.Option{pool.WithName("publish")}, options...)...)
}

// Producer publishes envelopes to the chat exchange
type Producer struct {
	channels *ChannelPool
	names    Names
	breaker  *reliability.Breaker
	logger   *slog.Logger
	newKey   func() string
	now      func() time.Time
}

// ProducerOption configures the producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithBreaker fails publishes fast while the broker keeps failing
func WithBreaker(b *reliability.Breaker) ProducerOption {
	return func(p *Producer) {
		p.breaker = b
	}
}

// WithKeyGenerator replaces the publisher message id generator
func WithKeyGenerator(newKey func() string) ProducerOption {
	return func(p *Producer) {
		p.newKey = newKey
	}
}

// NewProducer creates a producer publishing on channels from channels
func NewProducer(channels *ChannelPool, names Names, options ...ProducerOption) *Producer {
	p := &Producer{
		channels: channels,
		names:    names,
		logger:   slog.Default(),
		newKey:   uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = reliability.NewBreaker(
			reliability.WithBreakerName("publish"),
			reliability.WithBreakerLogger(p.logger),
		)
	}
	return p
}

// Publish sends env as a persistent message and returns its publisher
// message id, assigning one when env has none. The error is either a
// validation error or a *PublishError wrapping ErrBrokerUnavailable.
func (p *Producer) Publish(ctx context.Context, env contracts.Envelope) (string, error) {
	key := ""
	if env != nil {
		key = env.IdempotencyKey()
	}
	if key == "" {
		key = p.newKey()
		env = contracts.WithKey(env, key)
	}
	if err := contracts.Validate(env); err != nil {
		return "", err
	}

	body, err := contracts.Encode(env)
	if err != nil {
		return "", err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Type:         string(env.Kind()),
		Timestamp:    p.now(),
		Body:         body,
	}

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.channels.With(ctx, func(ch PublishChannel) error {
			return ch.Publish(ctx, p.names.Exchange, p.names.RoutingKey, msg)
		})
	})
	if err != nil {
		p.logger.Error("publish failed",
			"messageId", key,
			"type", env.Kind(),
			"exchange", p.names.Exchange,
			"error", err,
		)
		return "", &PublishError{
			Exchange:   p.names.Exchange,
			RoutingKey: p.names.RoutingKey,
			MessageID:  key,
			Err:        fmt.Errorf("%w: %w", ErrBrokerUnavailable, err),
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("published", "messageId", key, "type", env.Kind())
	return key, nil
}

// Close closes the pooled channels
func (p *Producer) Close() error {
	return p.channels.CloseAll()
}
