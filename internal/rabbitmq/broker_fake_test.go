package rabbitmq

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker implements Dialer, recording every broker operation in order.
// Operations can be held open with block to observe in-flight behavior.
type fakeBroker struct {
	mu           sync.Mutex
	calls        []string
	dialFailures int
	failures     map[string]error
	gates        map[string]chan struct{}
	entered      map[string]chan struct{}
	conns        []*fakeConnection
	queues       int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		entered:  make(map[string]chan struct{}),
	}
}

// block makes op wait until release is called. entered receives once per
// call that reaches the gate.
func (b *fakeBroker) block(op string) (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gate := make(chan struct{})
	in := make(chan struct{}, 64)
	b.gates[op] = gate
	b.entered[op] = in

	var once sync.Once
	return in, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.gates, op)
			b.mu.Unlock()
			close(gate)
		})
	}
}

// fail makes op return err until cleared with fail(op, nil).
func (b *fakeBroker) fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

func (b *fakeBroker) record(op, detail string) error {
	b.mu.Lock()
	b.calls = append(b.calls, strings.TrimSpace(op+" "+detail))
	gate := b.gates[op]
	in := b.entered[op]
	err := b.failures[op]
	b.mu.Unlock()

	if gate != nil {
		in <- struct{}{}
		<-gate
	}
	return err
}

func (b *fakeBroker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBroker) Count(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (b *fakeBroker) Dial(url string) (Connection, error) {
	if err := b.record("dial", url); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialFailures > 0 {
		b.dialFailures--
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) lastChannel() *fakeChannel {
	conn := b.lastConnection()
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.channels) == 0 {
		return nil
	}
	return conn.channels[len(conn.channels)-1]
}

func (b *fakeBroker) nextQueueName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues++
	return fmt.Sprintf("amq.gen-%d", b.queues)
}

type fakeConnection struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	closes   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	if err := c.broker.record("channel.open", ""); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// drop simulates the broker closing the connection.
func (c *fakeConnection) drop() {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *fakeConnection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	closes := c.closes
	c.closes = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.shutdown(cause)
	}
	for _, r := range closes {
		if cause != nil {
			r <- cause
		}
		close(r)
	}
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConnection

	mu        sync.Mutex
	closed    bool
	closes    []chan *amqp.Error
	cancels   []chan string
	consumers map[string]chan amqp.Delivery
	queue     string
	tag       uint64
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.broker.record("queue.declare", fmt.Sprintf("name=%q exclusive=%v", name, exclusive)); err != nil {
		return amqp.Queue{}, err
	}
	q := name
	if q == "" {
		q = ch.broker.nextQueueName()
	}
	ch.mu.Lock()
	ch.queue = q
	ch.mu.Unlock()
	return amqp.Queue{Name: q}, nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.broker.record("exchange.declare", fmt.Sprintf("%s kind=%s durable=%v auto_delete=%v", name, kind, durable, autoDelete))
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.broker.record("queue.bind", fmt.Sprintf("%s %s %s", name, exchange, key))
}

func (ch *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return ch.broker.record("queue.unbind", fmt.Sprintf("%s %s %s", name, exchange, key))
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.broker.record("basic.consume", queue); err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	deliveries := make(chan amqp.Delivery, 16)
	ch.consumers[consumer] = deliveries
	return deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	if err := ch.broker.record("basic.cancel", ""); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if d, ok := ch.consumers[consumer]; ok {
		close(d)
		delete(ch.consumers, consumer)
	}
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closes = append(ch.closes, receiver)
	return receiver
}

func (ch *fakeChannel) NotifyCancel(receiver chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancels = append(ch.cancels, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.record("channel.close", "")
	return ch.shutdown(nil)
}

// fail simulates a channel exception raised by the broker.
func (ch *fakeChannel) fail(code int, reason string) {
	_ = ch.shutdown(&amqp.Error{Code: code, Reason: reason, Server: true})
}

func (ch *fakeChannel) shutdown(cause *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	closes := ch.closes
	cancels := ch.cancels
	consumers := ch.consumers
	ch.closes, ch.cancels = nil, nil
	ch.consumers = make(map[string]chan amqp.Delivery)
	ch.mu.Unlock()

	for _, d := range consumers {
		close(d)
	}
	for _, r := range cancels {
		close(r)
	}
	for _, r := range closes {
		if cause != nil {
			r <- cause
		}
		close(r)
	}
	return nil
}

// consumerTags returns the tags of the active consumers.
func (ch *fakeChannel) consumerTags() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// deliver pushes a message to the consumer with the given tag.
func (ch *fakeChannel) deliver(tag string, d amqp.Delivery) bool {
	ch.mu.Lock()
	deliveries, ok := ch.consumers[tag]
	if ok {
		ch.tag++
		d.DeliveryTag = ch.tag
		d.ConsumerTag = tag
	}
	ch.mu.Unlock()
	if !ok {
		return false
	}
	deliveries <- d
	return true
}

// cancelConsumer simulates a broker-initiated basic.cancel.
func (ch *fakeChannel) cancelConsumer(tag string) {
	ch.mu.Lock()
	d, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	cancels := ch.cancels
	ch.mu.Unlock()

	for _, r := range cancels {
		r <- tag
	}
	if ok {
		close(d)
	}
}

// recordingAcknowledger records acks into a shared event log.
type recordingAcknowledger struct {
	mu     *sync.Mutex
	events *[]string
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	*a.events = append(*a.events, fmt.Sprintf("ack %d", tag))
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return nil
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
