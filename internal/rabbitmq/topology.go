package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the AMQP exchange type.
type ExchangeKind string

// KindFanout is the only kind the worker declares; routing-key patterns are
// applied client-side.
const KindFanout ExchangeKind = "fanout"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       ExchangeKind
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

// workerExchange is the declaration every worker exchange uses: a transient
// fanout exchange that disappears once its last queue is unbound.
func workerExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:       name,
		Kind:       KindFanout,
		Durable:    false,
		AutoDelete: true,
	}
}

// exclusiveQueue is the per-connection queue; the broker picks the name.
func exclusiveQueue() QueueDeclaration {
	return QueueDeclaration{
		Exclusive: true,
	}
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		string(exchange.Kind),
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Exchange + "/" + binding.RoutingKey,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// unbindQueue removes a queue binding on the given channel
func unbindQueue(ch Channel, binding Binding) error {
	err := ch.QueueUnbind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Exchange + "/" + binding.RoutingKey,
			Op:        "unbind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
