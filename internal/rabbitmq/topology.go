package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is declared in order: exchanges, queues, bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Names are the entity names of the chat pipeline
type Names struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// DefaultNames returns the names the chat services agree on
func DefaultNames() Names {
	return Names{
		Exchange:   "chat_exchange",
		Queue:      "chat_queue",
		RoutingKey: "chat.message",
	}
}

// DeadLetterExchange returns the name of the exchange rejected envelopes go to
func (n Names) DeadLetterExchange() string {
	return n.Exchange + ".dlx"
}

// DeadLetterQueue returns the name of the queue holding rejected envelopes
func (n Names) DeadLetterQueue() string {
	return n.Queue + ".dead"
}

// ChatTopology returns a durable direct exchange bound to a durable queue.
// With deadLetter the queue also routes rejected deliveries to a dead-letter
// queue. Adding deadLetter to an existing queue changes its arguments, which
// the broker refuses as a conflict.
func ChatTopology(n Names, deadLetter bool) Topology {
	t := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: n.Exchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: n.Queue, Durable: true},
		},
		Bindings: []Binding{
			{Queue: n.Queue, Exchange: n.Exchange, RoutingKey: n.RoutingKey},
		},
	}
	if !deadLetter {
		return t
	}

	t.Exchanges = append(t.Exchanges, ExchangeDeclaration{
		Name:    n.DeadLetterExchange(),
		Type:    amqp.ExchangeDirect,
		Durable: true,
	})
	t.Queues[0].Arguments = amqp.Table{
		"x-dead-letter-exchange":    n.DeadLetterExchange(),
		"x-dead-letter-routing-key": n.DeadLetterQueue(),
	}
	t.Queues = append(t.Queues, QueueDeclaration{Name: n.DeadLetterQueue(), Durable: true})
	t.Bindings = append(t.Bindings, Binding{
		Queue:      n.DeadLetterQueue(),
		Exchange:   n.DeadLetterExchange(),
		RoutingKey: n.DeadLetterQueue(),
	})
	return t
}

// Declarator declares topology on short-lived channels
type Declarator struct {
	source ChannelSource
}

// NewDeclarator creates a declarator opening channels from source
func NewDeclarator(source ChannelSource) *Declarator {
	return &Declarator{source: source}
}

// Declare declares t. Redeclaring matching entities is a no-op; a
// mismatching one fails with ErrTopologyConflict.
func (d *Declarator) Declare(ctx context.Context, t Topology) error {
	return d.withChannel(ctx, func(ch Channel) error {
		return Declare(ch, t)
	})
}

// Inspect returns the message and consumer counts of an existing queue
func (d *Declarator) Inspect(ctx context.Context, queue string) (amqp.Queue, error) {
	var q amqp.Queue
	err := d.withChannel(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
	return q, err
}

func (d *Declarator) withChannel(ctx context.Context, fn func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := d.source.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

// Declare declares t on ch, stopping at the first failure
func Declare(ch Channel, t Topology) error {
	for _, exchange := range t.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range t.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range t.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return topologyError("binding", fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue), "bind", err)
		}
	}

	return nil
}

func topologyError(component, name, op string, err error) error {
	sentinel := ErrTopologyDeclarationFailed
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		sentinel = ErrTopologyConflict
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       fmt.Errorf("%w: %w", sentinel, err),
		Timestamp: time.Now(),
	}
}
