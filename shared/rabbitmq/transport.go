package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens a broker connection. DialAMQP is the production implementation;
// tests inject an in-memory broker.
type Dialer func(url string, config amqp.Config) (Connection, error)

// Connection is the subset of *amqp.Connection the manager relies on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	Close() error
}

// Channel is the subset of *amqp.Channel used for confirmed publishing.
type Channel interface {
	Confirm(noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyFlow(receiver chan bool) chan bool
	Close() error
}

// Confirmation tracks the broker's ack or nack for one published message.
// *amqp.DeferredConfirmation satisfies it.
type Confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// DialAMQP dials a real broker with amqp091-go.
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Confirm(noWait bool) error {
	return c.ch.Confirm(noWait)
}

func (c *amqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	// nil without error means Confirm was never called on this channel
	if dc == nil {
		return nil, errNotConfirmMode
	}
	return dc, nil
}

func (c *amqpChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(receiver)
}

func (c *amqpChannel) NotifyFlow(receiver chan bool) chan bool {
	return c.ch.NotifyFlow(receiver)
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
