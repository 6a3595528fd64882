package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softchor/jobdispatch/shared/rabbitmq"
	"github.com/softchor/jobdispatch/shared/rabbitmq/rabbitmqtest"
)

func acquire(t *testing.T, broker *rabbitmqtest.Broker) *rabbitmq.Session {
	t.Helper()

	session, err := newTestManager(t, broker).Acquire(context.Background())
	require.NoError(t, err)
	return session
}

func publishAsync(p *rabbitmq.Publisher, ctx context.Context, session *rabbitmq.Session, body []byte) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- p.Publish(ctx, session, body)
	}()
	return result
}

func TestPublisher_Publish_Confirmed(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	body := []byte(`{"job_id":"5b1e2d3c-4f5a-4b6c-8d7e-9f0a1b2c3d4e"}`)
	require.NoError(t, p.Publish(context.Background(), session, body))

	published := broker.Published()
	require.Len(t, published, 1)

	msg := published[0]
	assert.Equal(t, "", msg.Exchange)
	assert.Equal(t, testQueue, msg.RoutingKey)
	assert.Equal(t, rabbitmq.ContentTypeJSON, msg.Publishing.ContentType)
	assert.Equal(t, amqp.Persistent, msg.Publishing.DeliveryMode)
	assert.Equal(t, body, msg.Publishing.Body)
	assert.False(t, msg.Publishing.Timestamp.IsZero())
}

func TestPublisher_Publish_Nacked(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.SetConfirmMode(rabbitmqtest.ConfirmNack)
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	err := p.Publish(context.Background(), session, []byte(`{}`))

	require.ErrorIs(t, err, rabbitmq.ErrPublishFailed)
	assert.ErrorIs(t, err, rabbitmq.ErrNacked)
	assert.Len(t, broker.Published(), 1)
}

func TestPublisher_Publish_WaitsForConfirmation(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.SetConfirmMode(rabbitmqtest.ConfirmHold)
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	result := publishAsync(p, context.Background(), session, []byte(`{}`))

	require.Eventually(t, func() bool { return broker.Pending() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case err := <-result:
		t.Fatalf("publish returned before confirmation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	broker.Resolve(true)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after ack")
	}
}

func TestPublisher_Publish_ConnectionLostWhileWaiting(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.SetConfirmMode(rabbitmqtest.ConfirmHold)
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	result := publishAsync(p, context.Background(), session, []byte(`{}`))
	require.Eventually(t, func() bool { return broker.Pending() == 1 }, time.Second, 5*time.Millisecond)

	broker.LastConn().CloseWithError(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"})

	select {
	case err := <-result:
		require.ErrorIs(t, err, rabbitmq.ErrPublishFailed)
	case <-time.After(time.Second):
		t.Fatal("publish did not fail after connection loss")
	}
}

func TestPublisher_Publish_ContextCanceledWhileWaiting(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	broker.SetConfirmMode(rabbitmqtest.ConfirmHold)
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	result := publishAsync(p, ctx, session, []byte(`{}`))
	require.Eventually(t, func() bool { return broker.Pending() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-result:
		require.ErrorIs(t, err, rabbitmq.ErrPublishFailed)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("publish ignored caller cancellation")
	}
}

func TestPublisher_Publish_ClosedSession(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	session := acquire(t, broker)
	p := rabbitmq.NewPublisher(discardLogger())

	broker.LastConn().CloseWithError(&amqp.Error{Code: amqp.ConnectionForced, Reason: "gone"})
	require.Eventually(t, func() bool { return session.State() == rabbitmq.StateClosed }, time.Second, 5*time.Millisecond)

	err := p.Publish(context.Background(), session, []byte(`{}`))
	require.ErrorIs(t, err, rabbitmq.ErrPublishFailed)
	assert.Empty(t, broker.Published())
}

func TestPublisher_Publish_Backpressure(t *testing.T) {
	tests := []struct {
		name   string
		pause  func(conn *rabbitmqtest.Conn)
		resume func(conn *rabbitmqtest.Conn)
	}{
		{
			name:   "connection blocked",
			pause:  func(conn *rabbitmqtest.Conn) { conn.Block(true, "low on memory") },
			resume: func(conn *rabbitmqtest.Conn) { conn.Block(false, "") },
		},
		{
			name:   "channel flow paused",
			pause:  func(conn *rabbitmqtest.Conn) { conn.LastChannel().SetFlow(false) },
			resume: func(conn *rabbitmqtest.Conn) { conn.LastChannel().SetFlow(true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := rabbitmqtest.NewBroker()
			session := acquire(t, broker)
			conn := broker.LastConn()
			p := rabbitmq.NewPublisher(discardLogger())

			tt.pause(conn)
			require.Eventually(t, session.FlowPaused, time.Second, 5*time.Millisecond)

			result := publishAsync(p, context.Background(), session, []byte(`{}`))

			select {
			case err := <-result:
				t.Fatalf("publish returned while flow control was active: %v", err)
			case <-time.After(100 * time.Millisecond):
			}
			assert.Empty(t, broker.Published(), "message must not be sent before drain")

			tt.resume(conn)

			select {
			case err := <-result:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("publish did not resume after drain")
			}
			assert.Len(t, broker.Published(), 1)
			assert.False(t, session.FlowPaused())
		})
	}
}

func TestPublisher_Publish_SessionClosedDuringBackpressure(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	session := acquire(t, broker)
	conn := broker.LastConn()
	p := rabbitmq.NewPublisher(discardLogger())

	conn.Block(true, "disk alarm")
	require.Eventually(t, session.FlowPaused, time.Second, 5*time.Millisecond)

	result := publishAsync(p, context.Background(), session, []byte(`{}`))
	conn.CloseWithError(&amqp.Error{Code: amqp.ConnectionForced, Reason: "gone"})

	select {
	case err := <-result:
		require.ErrorIs(t, err, rabbitmq.ErrPublishFailed)
		var amqpErr *amqp.Error
		assert.ErrorAs(t, err, &amqpErr)
	case <-time.After(time.Second):
		t.Fatal("publish kept waiting on a closed session")
	}
	assert.Empty(t, broker.Published())
}
