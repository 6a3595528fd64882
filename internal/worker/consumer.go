package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/softchor/jobdispatch/internal/metrics"
	"github.com/softchor/jobdispatch/internal/worker/domain"
)

// maxLoggedBody bounds how much of a rejected body is logged
const maxLoggedBody = 512

// setupConsumer starts consuming with the worker id as consumer tag
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}

			msg, err := w.codec.Decode(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting malformed job message",
					slog.Any("error", err),
					slog.String("body", truncateBody(delivery.Body)),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
				metrics.TasksProcessedTotal.WithLabelValues("invalid", outcomeMalformed).Inc()
				// malformed messages never become valid, let the queue's DLX take them
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			task := &domain.Task{Message: msg, Delivery: delivery}

			select {
			case w.jobsChan <- task:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return nil
			}
		}
	}
}

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
