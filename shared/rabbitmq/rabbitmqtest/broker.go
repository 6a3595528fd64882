// Package rabbitmqtest provides an in-memory broker for exercising the
// rabbitmq package without a running RabbitMQ.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/softchor/jobdispatch/shared/rabbitmq"
)

// ConfirmMode controls how the broker answers publishes.
type ConfirmMode int

const (
	// ConfirmAck acks every message immediately
	ConfirmAck ConfirmMode = iota
	// ConfirmNack nacks every message immediately
	ConfirmNack
	// ConfirmHold keeps confirmations pending until Resolve
	ConfirmHold
)

// Message is a publish observed by the broker.
type Message struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Broker implements rabbitmq.Dialer. The zero value is not usable; call NewBroker.
type Broker struct {
	mu         sync.Mutex
	dials      int
	dialDelay  time.Duration
	dialErr    error
	channelErr error
	declareErr error
	mode       ConfirmMode
	queues     map[string]bool
	published  []Message
	pending    []*confirmation
	conns      []*Conn
}

// NewBroker returns a broker that acks every publish.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]bool)}
}

// Dial satisfies rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	b.dials++
	delay, dialErr := b.dialDelay, b.dialErr
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if dialErr != nil {
		return nil, dialErr
	}

	conn := &Conn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

// SetDialDelay makes every dial sleep before answering.
func (b *Broker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// FailDial makes dials fail with err; nil restores success.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailChannel makes opening a channel fail with err.
func (b *Broker) FailChannel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// FailDeclare makes queue declaration fail with err.
func (b *Broker) FailDeclare(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// SetConfirmMode changes how subsequent publishes are confirmed.
func (b *Broker) SetConfirmMode(mode ConfirmMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
}

// Resolve answers every held confirmation.
func (b *Broker) Resolve(ack bool) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range pending {
		c.resolve(ack)
	}
}

// Pending returns the number of held confirmations.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dials returns how many connections were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns a copy of every message received.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// QueueDurable reports whether name was declared and whether it was durable.
func (b *Broker) QueueDurable(name string) (durable, declared bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	durable, declared = b.queues[name]
	return durable, declared
}

// Conns returns every successfully dialed connection in order.
func (b *Broker) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// LastConn returns the most recent connection or nil.
func (b *Broker) LastConn() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *Broker) record(msg Message, conf *confirmation) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	mode := b.mode
	if mode == ConfirmHold {
		b.pending = append(b.pending, conf)
	}
	b.mu.Unlock()

	switch mode {
	case ConfirmAck:
		conf.resolve(true)
	case ConfirmNack:
		conf.resolve(false)
	}
}

// Conn is a fake broker connection.
type Conn struct {
	broker *Broker

	mu             sync.Mutex
	closed         bool
	closeListeners []chan *amqp.Error
	blockListeners []chan amqp.Blocking
	channels       []*Channel
}

func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	channelErr := c.broker.channelErr
	c.broker.mu.Unlock()
	if channelErr != nil {
		return nil, channelErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeListeners = append(c.closeListeners, receiver)
	return receiver
}

func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockListeners = append(c.blockListeners, receiver)
	return receiver
}

// Close closes the connection as the client would.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// CloseWithError simulates a broker-initiated connection close.
func (c *Conn) CloseWithError(err *amqp.Error) {
	_ = c.shutdown(err)
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Block simulates connection.blocked (active=true) or connection.unblocked.
func (c *Conn) Block(active bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.blockListeners {
		l <- amqp.Blocking{Active: active, Reason: reason}
	}
}

// LastChannel returns the most recently opened channel or nil.
func (c *Conn) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *Conn) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	closeListeners, blockListeners := c.closeListeners, c.blockListeners
	channels := c.channels
	c.closeListeners, c.blockListeners = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.shutdown(err)
	}

	for _, l := range closeListeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range blockListeners {
		close(l)
	}

	return nil
}

// Channel is a fake confirm-capable channel.
type Channel struct {
	conn *Conn

	mu             sync.Mutex
	closed         bool
	confirming     bool
	closeListeners []chan *amqp.Error
	flowListeners  []chan bool
	pending        []*confirmation
}

func (ch *Channel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}
	if existing, ok := b.queues[name]; ok && existing != durable {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'durable'"}
	}
	b.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (rabbitmq.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if !ch.confirming {
		ch.mu.Unlock()
		return nil, errors.New("rabbitmqtest: channel not in confirm mode")
	}
	conf := newConfirmation()
	ch.pending = append(ch.pending, conf)
	ch.mu.Unlock()

	ch.conn.broker.record(Message{Exchange: exchange, RoutingKey: key, Publishing: msg}, conf)
	return conf, nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeListeners = append(ch.closeListeners, receiver)
	return receiver
}

func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flowListeners = append(ch.flowListeners, receiver)
	return receiver
}

// Close closes the channel as the client would.
func (ch *Channel) Close() error {
	return ch.shutdown(nil)
}

// CloseWithError simulates a broker-initiated channel close, leaving the connection open.
func (ch *Channel) CloseWithError(err *amqp.Error) {
	_ = ch.shutdown(err)
}

// SetFlow simulates channel.flow; active=false asks publishers to pause.
func (ch *Channel) SetFlow(active bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for _, l := range ch.flowListeners {
		l <- active
	}
}

func (ch *Channel) shutdown(err *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	closeListeners, flowListeners := ch.closeListeners, ch.flowListeners
	pending := ch.pending
	ch.closeListeners, ch.flowListeners, ch.pending = nil, nil, nil
	ch.mu.Unlock()

	// outstanding confirmations resolve negatively, as amqp091 does on shutdown
	for _, conf := range pending {
		conf.resolve(false)
	}

	for _, l := range closeListeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range flowListeners {
		close(l)
	}

	return nil
}

type confirmation struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	acked bool
}

func newConfirmation() *confirmation {
	return &confirmation{done: make(chan struct{})}
}

func (c *confirmation) Done() <-chan struct{} {
	return c.done
}

func (c *confirmation) Acked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

func (c *confirmation) resolve(ack bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.acked = ack
		c.mu.Unlock()
		close(c.done)
	})
}
