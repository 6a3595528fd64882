package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// Config holds the publishing connection settings
type Config struct {
	URL               string
	QueueName         string
	ConnectionName    string
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Option customizes a Manager
type Option func(*Manager)

// WithDialer replaces the amqp091 dialer, mainly for tests.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// Manager owns the process-wide publishing session. It connects lazily on
// first use, shares one session between all callers and drops it as soon as
// the broker closes either the connection or the channel; the next Acquire
// reconnects.
type Manager struct {
	config *Config
	dial   Dialer
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	session *Session
	closed  bool

	connects atomic.Uint64
}

// NewManager creates a Manager. No connection is opened until Acquire.
func NewManager(config *Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		dial:   DialAMQP,
		logger: logger.With(slog.String("component", "rabbitmq-manager")),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Acquire returns the connected session, establishing it if needed.
// Concurrent callers on a cold cache share one establishment attempt; ctx
// bounds only this caller's wait.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if m.config.URL == "" || m.config.QueueName == "" {
		return nil, ErrNotConfigured
	}

	if s := m.current(); s != nil {
		return s, nil
	}

	result := m.group.DoChan("session", func() (any, error) {
		return m.establish()
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
}

// Status reports the state of the cached session; StateClosed when none is cached.
func (m *Manager) Status() State {
	if m.current() != nil {
		return StateConnected
	}
	return StateClosed
}

// Connects returns how many sessions have been established since start.
func (m *Manager) Connects() uint64 {
	return m.connects.Load()
}

// Close tears down the cached session. Acquire fails afterwards.
func (m *Manager) Close() error {
	m.logger.Info("Closing RabbitMQ publishing session")

	m.mu.Lock()
	m.closed = true
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	s.markClosed(ErrManagerClosed)
	if err := s.release(); err != nil {
		m.logger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
		return err
	}

	m.logger.Info("RabbitMQ publishing session closed successfully")
	return nil
}

func (m *Manager) current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session != nil && m.session.State() == StateConnected {
		return m.session
	}
	return nil
}

func (m *Manager) establish() (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrManagerClosed)
	}

	// a previous flight may have finished between the caller's check and this one
	if s := m.current(); s != nil {
		return s, nil
	}

	id := m.connects.Load() + 1
	s, err := m.open(id)
	if err != nil {
		m.logger.Error("Failed to establish RabbitMQ session",
			slog.String("queue", m.config.QueueName),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.markClosed(ErrManagerClosed)
		_ = s.release()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ErrManagerClosed)
	}
	m.session = s
	m.mu.Unlock()

	m.connects.Add(1)
	go s.watch()

	m.logger.Info("RabbitMQ publishing session established",
		slog.Uint64("session", id),
		slog.String("queue", m.config.QueueName),
	)

	return s, nil
}

// open dials, enables confirms and declares the durable queue. Anything opened
// before a failure is closed again.
func (m *Manager) open(id uint64) (*Session, error) {
	amqpConfig := amqp.Config{
		Heartbeat:  m.config.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if m.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(m.config.ConnectionTimeout)
	}
	if m.config.ConnectionName != "" {
		amqpConfig.Properties.SetClientConnectionName(m.config.ConnectionName)
	}

	conn, err := m.dial(m.config.URL, amqpConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	_, err = channel.QueueDeclare(
		m.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	s := newSession(id, m.config.QueueName, conn, channel, m.logger)
	s.onClose = m.invalidate

	return s, nil
}

// invalidate drops s from the cache if it is still the cached session
func (m *Manager) invalidate(s *Session, err error) {
	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()

	m.logger.Warn("RabbitMQ publishing session invalidated, next publish reconnects",
		slog.Any("error", err),
	)
}
