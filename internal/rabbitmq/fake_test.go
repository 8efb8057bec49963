package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockDeliveryAcknowledger struct {
	mock.Mock
	settled atomic.Int32
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	defer m.settled.Add(1)
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	defer m.settled.Add(1)
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	defer m.settled.Add(1)
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// settledCount reports how many times the delivery was acked or nacked
func (m *mockDeliveryAcknowledger) settledCount() int {
	return int(m.settled.Load())
}

type declared struct {
	kind string
	name string
	args amqp.Table
}

// fakeChannel records declarations and hands out a delivery stream the
// test feeds.
type fakeChannel struct {
	mu         sync.Mutex
	declared   []declared
	failOn     map[string]error
	qos        []int
	consumed   string
	deliveries chan amqp.Delivery
	closeNotes []chan *amqp.Error
	confirm    bool
	published  []amqp.Publishing
	publishErr error
	closed     bool
	queues     map[string]amqp.Queue
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		failOn:     map[string]error{},
		deliveries: make(chan amqp.Delivery, 16),
		queues:     map[string]amqp.Queue{},
	}
}

func (f *fakeChannel) fail(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOn[name]
}

func (f *fakeChannel) record(kind, name string, args amqp.Table) {
	f.mu.Lock()
	f.declared = append(f.declared, declared{kind: kind, name: name, args: args})
	f.mu.Unlock()
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := f.fail(name); err != nil {
		return err
	}
	f.record("exchange", name, args)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := f.fail(name); err != nil {
		return amqp.Queue{}, err
	}
	f.record("queue", name, args)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return q, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := f.fail(key); err != nil {
		return err
	}
	f.record("binding", exchange+"->"+name+":"+key, args)
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = append(f.qos, prefetchCount, prefetchSize)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto-ack not expected")
	}
	f.mu.Lock()
	f.consumed = queue
	f.mu.Unlock()
	return f.deliveries, nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	f.confirm = true
	f.mu.Unlock()
	return nil
}

// PublishWithDeferredConfirmWithContext returns no confirmation, as a
// channel outside confirm mode does.
func (f *fakeChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, msg)
	return nil, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	f.closeNotes = append(f.closeNotes, c)
	f.mu.Unlock()
	return c
}

// breakTransport simulates the broker closing the channel
func (f *fakeChannel) breakTransport() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, c := range f.closeNotes {
		c <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
		close(c)
	}
	f.closeNotes = nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) declaredNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.declared))
	for _, d := range f.declared {
		names = append(names, d.kind+":"+d.name)
	}
	return names
}

type fakeSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
	opened   int
	err      error
}

func (s *fakeSource) OpenChannel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var ch *fakeChannel
	if s.opened < len(s.channels) {
		ch = s.channels[s.opened]
	} else {
		ch = newFakeChannel()
		s.channels = append(s.channels, ch)
	}
	s.opened++
	return ch, nil
}
