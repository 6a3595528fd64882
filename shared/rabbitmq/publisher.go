package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is the content type of every job message.
const ContentTypeJSON = "application/json"

// Publisher delivers messages to the session's durable queue with confirmed,
// persistent publishing. It never retries: a returned error means the message
// must be treated as not delivered. There is no internal timeout; callers
// bound the call through ctx.
type Publisher struct {
	logger *slog.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		logger: logger.With(slog.String("component", "rabbitmq-publisher")),
	}
}

// Publish sends body to session.Queue() through the default exchange and waits
// for the broker confirmation. While the broker applies flow control the call
// waits for capacity instead of dropping the message.
func (p *Publisher) Publish(ctx context.Context, session *Session, body []byte) error {
	if session.FlowPaused() {
		p.logger.Warn("RabbitMQ flow control active, waiting for capacity",
			slog.String("queue", session.Queue()),
		)
	}

	if err := session.flow.wait(ctx, session.Done()); err != nil {
		return p.failed("waiting for flow control", p.closeReason(session, err))
	}

	confirmation, err := session.channel.Publish(
		ctx,
		"",              // default exchange
		session.Queue(), // routing key
		amqp.Publishing{
			ContentType:  ContentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return p.failed("sending message", err)
	}

	select {
	case <-confirmation.Done():
	case <-session.Done():
		// the confirmation may have landed just before the close
		select {
		case <-confirmation.Done():
		default:
			return p.failed("waiting for confirmation", p.closeReason(session, ErrSessionClosed))
		}
	case <-ctx.Done():
		return p.failed("waiting for confirmation", ctx.Err())
	}

	if !confirmation.Acked() {
		// pending confirmations are resolved negatively when the channel shuts down
		if session.State() == StateClosed {
			return p.failed("waiting for confirmation", p.closeReason(session, ErrSessionClosed))
		}
		return p.failed("waiting for confirmation", ErrNacked)
	}

	p.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", session.Queue()),
		slog.Int("body_size", len(body)),
		slog.String("content_type", ContentTypeJSON),
	)

	return nil
}

func (p *Publisher) failed(stage string, err error) error {
	p.logger.Error("Failed to publish message to RabbitMQ",
		slog.String("stage", stage),
		slog.Any("error", err),
	)
	return fmt.Errorf("%w: %s: %w", ErrPublishFailed, stage, err)
}

func (p *Publisher) closeReason(session *Session, fallback error) error {
	if errors.Is(fallback, ErrSessionClosed) {
		if err := session.Err(); err != nil {
			return err
		}
	}
	return fallback
}
