// Package dispatch turns a processing request into a confirmed broker publish.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softchor/jobdispatch/internal/codec"
	"github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/internal/metrics"
	"github.com/softchor/jobdispatch/shared/rabbitmq"
)

// Outcome labels recorded for each dispatch attempt
const (
	OutcomeEnqueued           = "enqueued"
	OutcomeValidationError    = "validation_error"
	OutcomeConfigurationError = "configuration_error"
	OutcomeBrokerUnavailable  = "broker_unavailable"
	OutcomePublishFailed      = "publish_failed"
)

// SessionProvider hands out the shared publishing session.
type SessionProvider interface {
	Acquire(ctx context.Context) (*rabbitmq.Session, error)
}

// MessagePublisher performs a confirmed publish on a session.
type MessagePublisher interface {
	Publish(ctx context.Context, session *rabbitmq.Session, body []byte) error
}

// Result is returned when the broker has confirmed the job message.
type Result struct {
	Enqueued bool `json:"enqueued"`
}

// Service validates caller input, builds the job message and publishes it.
// It keeps no state of its own and never writes to the database.
type Service struct {
	codec     *codec.Codec
	sessions  SessionProvider
	publisher MessagePublisher
	logger    *slog.Logger
}

// NewService creates a dispatch Service
func NewService(c *codec.Codec, sessions SessionProvider, publisher MessagePublisher, logger *slog.Logger) *Service {
	return &Service{
		codec:     c,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "dispatch")),
	}
}

// Dispatch enqueues one job. Errors wrap exactly one of domain.ErrValidation,
// domain.ErrConfiguration, domain.ErrBrokerUnavailable or domain.ErrPublishFailed.
// A returned error means the job was not confirmed by the broker.
func (s *Service) Dispatch(ctx context.Context, jobID, taskType string, params domain.TaskParams) (Result, error) {
	label := taskLabel(taskType)

	msg, err := s.codec.Build(jobID, domain.TaskType(taskType), params)
	if err != nil {
		s.logger.Warn("Rejected job dispatch",
			slog.String("job_id", jobID),
			slog.String("task_type", taskType),
			slog.Any("error", err),
		)
		return s.fail(label, err)
	}

	body, err := s.codec.Encode(msg)
	if err != nil {
		return s.fail(label, err)
	}

	session, err := s.sessions.Acquire(ctx)
	if err != nil {
		if errors.Is(err, rabbitmq.ErrNotConfigured) {
			err = fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		} else {
			err = fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
		}
		s.logger.Error("Failed to acquire broker session",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return s.fail(label, err)
	}

	start := time.Now()
	err = s.publisher.Publish(ctx, session, body)
	elapsed := time.Since(start)

	if err != nil {
		metrics.PublishDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		err = fmt.Errorf("%w: %w", domain.ErrPublishFailed, err)
		s.logger.Error("Failed to publish job message",
			slog.String("job_id", jobID),
			slog.String("task_type", taskType),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return s.fail(label, err)
	}

	metrics.PublishDuration.WithLabelValues("confirmed").Observe(elapsed.Seconds())
	metrics.DispatchTotal.WithLabelValues(label, OutcomeEnqueued).Inc()

	s.logger.Info("Job enqueued",
		slog.String("job_id", msg.JobID),
		slog.String("task_type", string(msg.TaskType)),
		slog.String("queue", session.Queue()),
		slog.Duration("elapsed", elapsed),
	)

	return Result{Enqueued: true}, nil
}

func (s *Service) fail(label string, err error) (Result, error) {
	metrics.DispatchTotal.WithLabelValues(label, Outcome(err)).Inc()
	return Result{}, err
}

// Outcome classifies a Dispatch error into its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeEnqueued
	case errors.Is(err, domain.ErrValidation):
		return OutcomeValidationError
	case errors.Is(err, domain.ErrConfiguration):
		return OutcomeConfigurationError
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return OutcomeBrokerUnavailable
	default:
		return OutcomePublishFailed
	}
}

// unknown task types share one label to keep metric cardinality bounded
func taskLabel(taskType string) string {
	if domain.TaskType(taskType).Valid() {
		return taskType
	}
	return "invalid"
}
