package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerConfig holds settings for a queue consumer
type ConsumerConfig struct {
	URL               string
	QueueName         string
	PrefetchCount     int
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Consumer reads job messages from the durable queue with manual acknowledgement
type Consumer struct {
	config    *ConsumerConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error
}

// NewConsumer connects to RabbitMQ, applies QoS and declares the queue
func NewConsumer(config *ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if config.URL == "" || config.QueueName == "" {
		return nil, ErrNotConfigured
	}

	c := &Consumer{
		config: config,
		logger: logger.With(slog.String("component", "rabbitmq-consumer")),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ consumer: %w", err)
	}

	return c, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Consumer) connect() error {
	var err error

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.URL, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("%w: failed to connect after %d attempts: %w", ErrUnavailable, attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("%w: failed to create channel: %w", ErrUnavailable, err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c.closeChan = c.channel.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.Info("RabbitMQ consumer initialized",
		slog.String("queue", c.config.QueueName),
		slog.Int("prefetch_count", c.config.PrefetchCount),
	)

	return nil
}

// setup applies QoS and declares the durable queue shared with the publisher
func (c *Consumer) setup() error {
	// prefetch_count: unacknowledged messages per consumer, size 0: no byte limit
	if err := c.channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err := c.channel.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	return nil
}

// Consume starts consuming messages from the queue
func (c *Consumer) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	messages, err := c.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// NotifyClose is signalled when the broker closes the consuming channel
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// Close closes the RabbitMQ connection
func (c *Consumer) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && err != amqp.ErrClosed {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
