package rabbitmq

import "errors"

var (
	// ErrNotConfigured is returned before any dial when the broker URL or queue name is empty.
	ErrNotConfigured = errors.New("rabbitmq: broker url and queue name are required")

	// ErrUnavailable wraps failures to establish the connection, channel or queue.
	ErrUnavailable = errors.New("rabbitmq: broker unavailable")

	// ErrPublishFailed wraps every publish that did not end in a broker ack.
	ErrPublishFailed = errors.New("rabbitmq: publish not confirmed")

	// ErrNacked is returned when the broker negatively confirms a message.
	ErrNacked = errors.New("rabbitmq: message nacked by broker")

	// ErrSessionClosed is returned when the session closed without a broker-supplied reason.
	ErrSessionClosed = errors.New("rabbitmq: session closed")

	// ErrManagerClosed is returned by Acquire after Close.
	ErrManagerClosed = errors.New("rabbitmq: manager closed")

	errNotConfirmMode = errors.New("rabbitmq: channel is not in confirm mode")
)
