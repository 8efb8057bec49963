// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package chitchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/health"
	"github.com/rafimumtaz/ChitChat/interceptors"
	"github.com/rafimumtaz/ChitChat/internal/config"
	"github.com/rafimumtaz/ChitChat/internal/pool"
	"github.com/rafimumtaz/ChitChat/internal/rabbitmq"
	"github.com/rafimumtaz/ChitChat/internal/reliability"
	"github.com/rafimumtaz/ChitChat/internal/storage"
)

var ErrRelayClosed = errors.New("chitchat: relay is shut down")

// queueBacklogThreshold is the ready-message count above which the queue
// check reports degraded
const queueBacklogThreshold = 10000

// Broker is the broker connection the relay opens channels on
type Broker interface {
	rabbitmq.ChannelSource
	IsConnected() bool
	Close() error
}

// Store applies envelopes and owns the storage sessions
type Store interface {
	rabbitmq.Dispatcher
	Ping(ctx context.Context) error
	Stats() pool.Stats
	Close() error
}

// Relay wires the producer, the consumer loop and the persistence layer
// from one configuration
type Relay struct {
	cfg        config.Config
	names      rabbitmq.Names
	topology   rabbitmq.Topology
	policy     reliability.Policy
	broker     Broker
	store      Store
	dispatcher interceptors.Handler
	channels   *rabbitmq.ChannelPool
	producer   *rabbitmq.Producer
	declarator *rabbitmq.Declarator
	health     *health.Registry
	restart    *reliability.ExponentialBackoff
	logger     *slog.Logger

	mu       sync.Mutex
	consumer *rabbitmq.Consumer
	closed   bool
	stop     chan struct{}
	running  sync.WaitGroup
}

// Option configures a Relay
type Option func(*Relay)

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithBroker uses b instead of dialing RabbitMQ from the configuration
func WithBroker(b Broker) Option {
	return func(r *Relay) {
		r.broker = b
	}
}

// WithStore uses s instead of the PostgreSQL writer
func WithStore(s Store) Option {
	return func(r *Relay) {
		r.store = s
	}
}

// WithChannelPool publishes on channels from p
func WithChannelPool(p *rabbitmq.ChannelPool) Option {
	return func(r *Relay) {
		r.channels = p
	}
}

// WithRestartBackoff sets the pause between consumer restarts
func WithRestartBackoff(policy *reliability.ExponentialBackoff) Option {
	return func(r *Relay) {
		r.restart = policy
	}
}

// New validates cfg and builds the relay. Unless replaced by options it
// connects to RabbitMQ; storage sessions are dialed on first use.
func New(ctx context.Context, cfg config.Config, options ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := reliability.ParseInvalidPolicy(cfg.Chat.InvalidPolicy)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg: cfg,
		names: rabbitmq.Names{
			Exchange:   cfg.Chat.Exchange,
			Queue:      cfg.Chat.Queue,
			RoutingKey: cfg.Chat.RoutingKey,
		},
		policy:  reliability.Policy{OnInvalid: policy},
		restart: reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0),
		logger:  slog.Default(),
		stop:    make(chan struct{}),
	}
	r.topology = rabbitmq.ChatTopology(r.names, cfg.Chat.DeadLetter)

	for _, opt := range options {
		opt(r)
	}

	if err := r.wire(ctx); err != nil {
		_ = r.closeAll()
		return nil, err
	}

	r.logger.Info("relay ready",
		"exchange", r.names.Exchange,
		"queue", r.names.Queue,
		"routingKey", r.names.RoutingKey,
		"invalidPolicy", string(policy),
	)
	return r, nil
}

func (r *Relay) wire(ctx context.Context) error {
	if r.broker == nil {
		cm := rabbitmq.NewConnectionManager(r.cfg.RabbitMQ.AMQPURL(), rabbitmq.WithLogger(r.logger))
		if err := cm.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		r.broker = cm
	}

	if r.store == nil {
		sessions, err := storage.NewPool(r.cfg.Database.DSN(),
			pool.WithMaxSize(r.cfg.Database.PoolSize),
			pool.WithAcquireTimeout(r.cfg.Database.PoolTimeout.Std()),
			pool.WithLogger(r.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create storage pool: %w", err)
		}
		r.store = storage.NewWriter(sessions, storage.WithWriterLogger(r.logger))
	}

	if r.channels == nil {
		channels, err := rabbitmq.NewChannelPool(r.broker, r.cfg.RabbitMQ.ConfirmTimeout.Std(),
			pool.WithMaxSize(r.cfg.RabbitMQ.PublishPool),
			pool.WithLogger(r.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create channel pool: %w", err)
		}
		r.channels = channels
	}

	r.dispatcher = interceptors.NewInterceptorChain(r.logger).
		Add(interceptors.NewLoggingInterceptor(r.logger)).
		Add(interceptors.NewTimeoutInterceptor(r.cfg.Chat.ApplyTimeout.Std())).
		Then(r.store)

	r.producer = rabbitmq.NewProducer(r.channels, r.names, rabbitmq.WithProducerLogger(r.logger))
	r.declarator = rabbitmq.NewDeclarator(r.broker)
	r.health = health.NewRegistry(
		health.NewRabbitMQChecker(r.broker),
		health.NewQueueChecker(r.names.Queue, r.declarator, queueBacklogThreshold),
		health.NewPoolChecker(r.store),
	)
	return nil
}

// DeclareTopology declares the chat exchange, queue and binding, plus the
// dead-letter pair when configured
func (r *Relay) DeclareTopology(ctx context.Context) error {
	if r.isClosed() {
		return ErrRelayClosed
	}
	return r.declarator.Declare(ctx, r.topology)
}

// Publish sends env to the chat exchange and returns its publisher message id
func (r *Relay) Publish(ctx context.Context, env contracts.Envelope) (string, error) {
	if r.isClosed() {
		return "", ErrRelayClosed
	}
	return r.producer.Publish(ctx, env)
}

// Consume runs the consumer loop until ctx ends or Shutdown is called.
// Transport loss restarts the loop after a backoff; a fatal delivery or
// a topology conflict ends it with that error.
func (r *Relay) Consume(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.running.Add(1)
	r.mu.Unlock()
	defer r.running.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := reliability.NewBackoff(r.restart)
	for {
		c := rabbitmq.NewConsumer(r.broker, r.names.Queue, r.dispatcher,
			rabbitmq.WithConsumerLogger(r.logger),
			rabbitmq.WithPolicy(r.policy),
			rabbitmq.WithTopology(r.topology),
		)
		r.setConsumer(c)

		started := time.Now()
		err := c.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, rabbitmq.ErrDisconnected) {
			r.logger.Error("consumer stopped", "queue", r.names.Queue, "error", err)
			return err
		}

		// a long healthy run starts the backoff over
		if time.Since(started) > r.restart.MaxInterval {
			backoff.Success()
		}
		delay := backoff.Failure()
		r.logger.Warn("consumer disconnected, restarting",
			"queue", r.names.Queue,
			"delay", delay,
			"attempt", backoff.Failures(),
			"error", err,
		)
		if reliability.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// ConsumerState reports the state of the current consumer loop
func (r *Relay) ConsumerState() rabbitmq.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumer == nil {
		return rabbitmq.StateDisconnected
	}
	return r.consumer.State()
}

// Health runs every health check
func (r *Relay) Health(ctx context.Context) health.OverallHealth {
	return r.health.Check(ctx)
}

// HealthRegistry exposes the checks, for serving over HTTP
func (r *Relay) HealthRegistry() *health.Registry {
	return r.health
}

// Shutdown stops Consume, waits for the delivery in flight to settle and
// releases every connection. Waiting gives up when ctx ends.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for consumer: %w", ctx.Err())
	}

	err := errors.Join(waitErr, r.closeAll())
	r.logger.Info("relay shut down", "error", err)
	return err
}

func (r *Relay) closeAll() error {
	var errs []error
	if r.producer != nil {
		errs = append(errs, r.producer.Close())
	} else if r.channels != nil {
		errs = append(errs, r.channels.CloseAll())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.broker != nil {
		errs = append(errs, r.broker.Close())
	}
	return errors.Join(errs...)
}

func (r *Relay) setConsumer(c *rabbitmq.Consumer) {
	r.mu.Lock()
	r.consumer = c
	r.mu.Unlock()
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
