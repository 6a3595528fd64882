package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/softchor/jobdispatch/internal/codec"
	jobs "github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/internal/worker/domain"
)

// ErrDeliveriesClosed is returned by Start when the broker stops delivering
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// DeliverySource starts a consumer on the job queue
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// TaskStore persists task claims and mirrors status into songs
type TaskStore interface {
	ClaimTask(ctx context.Context, jobID string, taskType jobs.TaskType, workerID string) (*domain.Claim, error)
	CompleteTask(ctx context.Context, claim *domain.Claim) error
	FailTask(ctx context.Context, claim *domain.Claim, errorMsg string) error
	Heartbeat(ctx context.Context, claim *domain.Claim) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            DeliverySource
	Store             TaskStore
	Runner            Runner
	Codec             *codec.Codec
	QueueName         string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes job messages and runs them on a bounded pool
type Worker struct {
	logger            *slog.Logger
	source            DeliverySource
	storage           TaskStore
	runner            Runner
	codec             *codec.Codec
	workerID          string
	queueName         string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	jobsChan          chan *domain.Task
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("component", "worker")),
		source:            cfg.Source,
		storage:           cfg.Store,
		runner:            cfg.Runner,
		codec:             cfg.Codec,
		workerID:          newWorkerID(),
		queueName:         cfg.QueueName,
		concurrency:       concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		jobsChan:          make(chan *domain.Task),
	}
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID returns the identifier recorded on claimed task runs
func (w *Worker) ID() string {
	return w.workerID
}

// Start consumes until ctx is canceled or the broker closes the delivery
// channel. Tasks already handed to the pool keep running; call Stop to wait
// for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	err = w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	return err
}

// Stop waits for in-flight tasks to finish or ctx to expire
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker stop timed out with tasks still running")
		return fmt.Errorf("failed to stop worker: %w", ctx.Err())
	}
}
