package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateConnected State = iota + 1
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one broker connection with its confirm-mode publishing channel.
// Both handles live and die together: a fault on either closes the session,
// and a closed session never becomes usable again.
type Session struct {
	id      uint64
	queue   string
	conn    Connection
	channel Channel
	flow    *flowGate
	logger  *slog.Logger

	connClose chan *amqp.Error
	chanClose chan *amqp.Error
	blocked   chan amqp.Blocking
	flowCh    chan bool

	// onClose runs once when the watcher observes a broker-side close
	onClose func(s *Session, err error)

	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.Mutex
	err         error
	releaseOnce sync.Once
	releaseErr  error
}

func newSession(id uint64, queue string, conn Connection, channel Channel, logger *slog.Logger) *Session {
	s := &Session{
		id:      id,
		queue:   queue,
		conn:    conn,
		channel: channel,
		flow:    newFlowGate(),
		logger:  logger.With(slog.Uint64("session", id)),
		done:    make(chan struct{}),
	}

	// buffered so the amqp library never blocks delivering a notification
	s.connClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	s.blocked = conn.NotifyBlocked(make(chan amqp.Blocking, 4))
	s.chanClose = channel.NotifyClose(make(chan *amqp.Error, 1))
	s.flowCh = channel.NotifyFlow(make(chan bool, 4))

	return s
}

// Queue returns the durable queue this session publishes to.
func (s *Session) Queue() string {
	return s.queue
}

// State reports whether the session can still be used.
func (s *Session) State() State {
	select {
	case <-s.done:
		return StateClosed
	default:
		return StateConnected
	}
}

// Done is closed when the session transitions to StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed, or nil while it is connected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FlowPaused reports whether the broker currently asks publishers to hold back.
func (s *Session) FlowPaused() bool {
	return s.flow.paused()
}

// markClosed performs the connected -> closed transition. It returns false if
// the session was already closed.
func (s *Session) markClosed(reason error) bool {
	transitioned := false
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		transitioned = true
	})
	return transitioned
}

// release closes the channel and then the connection.
func (s *Session) release() error {
	s.releaseOnce.Do(func() {
		if err := s.channel.Close(); err != nil && err != amqp.ErrClosed {
			s.logger.Debug("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		if err := s.conn.Close(); err != nil && err != amqp.ErrClosed {
			s.releaseErr = err
		}
	})
	return s.releaseErr
}

// watch drains broker notifications until the library has closed every
// listener. Close events move the session to StateClosed; blocked and flow
// events drive the flow gate.
func (s *Session) watch() {
	connClose, chanClose := s.connClose, s.chanClose
	blocked, flowCh := s.blocked, s.flowCh

	for connClose != nil || chanClose != nil || blocked != nil || flowCh != nil {
		select {
		case amqpErr, ok := <-connClose:
			if !ok {
				connClose = nil
			}
			s.fail("connection", amqpErr)

		case amqpErr, ok := <-chanClose:
			if !ok {
				chanClose = nil
			}
			s.fail("channel", amqpErr)

		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			s.logger.Warn("RabbitMQ connection flow state changed",
				slog.Bool("blocked", b.Active),
				slog.String("reason", b.Reason),
			)
			s.flow.setBlocked(b.Active)

		case active, ok := <-flowCh:
			if !ok {
				flowCh = nil
				continue
			}
			s.logger.Warn("RabbitMQ channel flow state changed",
				slog.Bool("active", active),
			)
			s.flow.setPaused(!active)
		}
	}
}

func (s *Session) fail(source string, amqpErr *amqp.Error) {
	var reason error
	if amqpErr != nil {
		reason = amqpErr
	}

	if !s.markClosed(reason) {
		return
	}

	s.logger.Warn("RabbitMQ session closed",
		slog.String("source", source),
		slog.Any("error", s.Err()),
	)

	if s.onClose != nil {
		s.onClose(s, s.Err())
	}

	// released off the watcher goroutine so pending notifications keep draining
	go s.release()
}

// flowGate tracks broker backpressure: connection.blocked and channel.flow.
// Publishing is allowed only while neither is active.
type flowGate struct {
	mu      sync.Mutex
	blocked bool
	stopped bool
	resume  chan struct{}
}

func newFlowGate() *flowGate {
	resume := make(chan struct{})
	close(resume)
	return &flowGate{resume: resume}
}

func (g *flowGate) setBlocked(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.blocked || g.stopped
	g.blocked = v
	g.transition(was)
}

func (g *flowGate) setPaused(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.blocked || g.stopped
	g.stopped = v
	g.transition(was)
}

// transition must be called with g.mu held
func (g *flowGate) transition(was bool) {
	now := g.blocked || g.stopped
	switch {
	case !was && now:
		g.resume = make(chan struct{})
	case was && !now:
		close(g.resume)
	}
}

func (g *flowGate) paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked || g.stopped
}

// wait blocks until publishing may proceed, the session closes, or ctx ends.
func (g *flowGate) wait(ctx context.Context, done <-chan struct{}) error {
	g.mu.Lock()
	resume := g.resume
	g.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
