package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the worker.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by the worker.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(url string) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(url string) (Connection, error) {
	return f(url)
}

// AMQPDialer dials real brokers through amqp091-go.
type AMQPDialer struct {
	Config amqp.Config
}

// NewAMQPDialer returns a dialer advertising the given connection name.
func NewAMQPDialer(connectionName string) *AMQPDialer {
	cfg := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
		Locale:     "en_US",
	}
	if connectionName != "" {
		cfg.Properties.SetClientConnectionName(connectionName)
	}
	return &AMQPDialer{Config: cfg}
}

// Dial implements Dialer
func (d *AMQPDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.DialConfig(url, d.Config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection so Channel() returns the interface.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

var (
	_ Channel    = (*amqp.Channel)(nil)
	_ Connection = (*amqpConnection)(nil)
	_ Dialer     = (*AMQPDialer)(nil)
)
