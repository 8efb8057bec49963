package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatTopology(t *testing.T) {
	t.Run("declares exchange queue and binding", func(t *testing.T) {
		topo := ChatTopology(DefaultNames(), false)

		require.Len(t, topo.Exchanges, 1)
		assert.Equal(t, "chat_exchange", topo.Exchanges[0].Name)
		assert.Equal(t, "direct", topo.Exchanges[0].Type)
		assert.True(t, topo.Exchanges[0].Durable)

		require.Len(t, topo.Queues, 1)
		assert.Equal(t, "chat_queue", topo.Queues[0].Name)
		assert.True(t, topo.Queues[0].Durable)
		assert.Nil(t, topo.Queues[0].Arguments)

		require.Len(t, topo.Bindings, 1)
		assert.Equal(t, Binding{Queue: "chat_queue", Exchange: "chat_exchange", RoutingKey: "chat.message"}, topo.Bindings[0])
	})

	t.Run("dead letter adds exchange queue and arguments", func(t *testing.T) {
		topo := ChatTopology(DefaultNames(), true)

		require.Len(t, topo.Exchanges, 2)
		assert.Equal(t, "chat_exchange.dlx", topo.Exchanges[1].Name)
		require.Len(t, topo.Queues, 2)
		assert.Equal(t, "chat_exchange.dlx", topo.Queues[0].Arguments["x-dead-letter-exchange"])
		assert.Equal(t, "chat_queue.dead", topo.Queues[0].Arguments["x-dead-letter-routing-key"])
		assert.Equal(t, "chat_queue.dead", topo.Queues[1].Name)
		require.Len(t, topo.Bindings, 2)
		assert.Equal(t, "chat_exchange.dlx", topo.Bindings[1].Exchange)
	})
}

func TestDeclarator(t *testing.T) {
	ctx := context.Background()

	t.Run("declares in order exchange queue binding", func(t *testing.T) {
		src := &fakeSource{}
		d := NewDeclarator(src)

		require.NoError(t, d.Declare(ctx, ChatTopology(DefaultNames(), false)))

		ch := src.channels[0]
		assert.Equal(t, []string{
			"exchange:chat_exchange",
			"queue:chat_queue",
			"binding:chat_exchange->chat_queue:chat.message",
		}, ch.declaredNames())
		assert.True(t, ch.IsClosed())
	})

	t.Run("redeclare is harmless", func(t *testing.T) {
		src := &fakeSource{}
		d := NewDeclarator(src)
		topo := ChatTopology(DefaultNames(), false)

		require.NoError(t, d.Declare(ctx, topo))
		require.NoError(t, d.Declare(ctx, topo))
		assert.Equal(t, 2, src.opened)
	})

	t.Run("precondition failure is a topology conflict", func(t *testing.T) {
		ch := newFakeChannel()
		ch.failOn["chat_queue"] = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
		d := NewDeclarator(&fakeSource{channels: []*fakeChannel{ch}})

		err := d.Declare(ctx, ChatTopology(DefaultNames(), false))

		assert.ErrorIs(t, err, ErrTopologyConflict)
		assert.True(t, IsFatal(err))
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "chat_queue", topoErr.Name)
		// the binding is never attempted
		assert.Equal(t, []string{"exchange:chat_exchange"}, ch.declaredNames())
	})

	t.Run("other failures are not conflicts", func(t *testing.T) {
		ch := newFakeChannel()
		ch.failOn["chat_exchange"] = errors.New("channel/connection is not open")
		d := NewDeclarator(&fakeSource{channels: []*fakeChannel{ch}})

		err := d.Declare(ctx, ChatTopology(DefaultNames(), false))

		assert.ErrorIs(t, err, ErrTopologyDeclarationFailed)
		assert.NotErrorIs(t, err, ErrTopologyConflict)
		assert.False(t, IsFatal(err))
	})

	t.Run("broker unreachable", func(t *testing.T) {
		d := NewDeclarator(&fakeSource{err: ErrConnectionNotReady})
		assert.ErrorIs(t, d.Declare(ctx, ChatTopology(DefaultNames(), false)), ErrConnectionNotReady)
	})

	t.Run("inspect reports queue counts", func(t *testing.T) {
		ch := newFakeChannel()
		ch.queues["chat_queue"] = amqp.Queue{Name: "chat_queue", Messages: 4, Consumers: 1}
		d := NewDeclarator(&fakeSource{channels: []*fakeChannel{ch}})

		q, err := d.Inspect(ctx, "chat_queue")
		require.NoError(t, err)
		assert.Equal(t, 4, q.Messages)
		assert.Equal(t, 1, q.Consumers)
	})
}
