package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softchor/jobdispatch/internal/metrics"
	"github.com/softchor/jobdispatch/internal/worker/domain"
)

// Task outcomes recorded in metrics
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeDuplicate = "duplicate"
	outcomeRequeued  = "requeued"
	outcomeRejected  = "rejected"
	outcomeMalformed = "malformed"
)

// settlement is how a delivery is acknowledged after processing
type settlement struct {
	ack     bool
	requeue bool
	outcome string
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs tasks until jobsChan is closed. Tasks are not interrupted by
// ctx cancellation so a shutdown lets in-flight processors finish.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	taskCtx := context.WithoutCancel(ctx)

	for task := range w.jobsChan {
		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", task.Message.JobID),
			slog.String("task_type", string(task.Message.TaskType)),
			slog.Uint64("delivery_tag", task.Delivery.DeliveryTag),
		)

		w.handle(taskCtx, workerName, task)
	}

	w.logger.Info("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// handle processes one task and acknowledges its delivery
func (w *Worker) handle(ctx context.Context, workerName string, task *domain.Task) {
	err := w.processJob(ctx, task)
	s := settle(err)

	metrics.TasksProcessedTotal.WithLabelValues(string(task.Message.TaskType), s.outcome).Inc()

	attrs := []any{
		slog.String("worker_name", workerName),
		slog.String("job_id", task.Message.JobID),
		slog.String("outcome", s.outcome),
	}

	if s.ack {
		if ackErr := task.Delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message", append(attrs, slog.Any("error", ackErr))...)
			return
		}
		w.logger.Info("Message ACKed", attrs...)
		return
	}

	if nackErr := task.Delivery.Nack(false, s.requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message", append(attrs, slog.Any("error", nackErr))...)
		return
	}
	w.logger.Info("Message NACKed", append(attrs, slog.Bool("requeue", s.requeue), slog.Any("error", err))...)
}

// settle decides the acknowledgement for a processing result. Duplicates are
// acked so they leave the queue; only transient errors are requeued.
func settle(err error) settlement {
	if err == nil {
		return settlement{ack: true, outcome: outcomeCompleted}
	}

	if errors.Is(err, domain.ErrAlreadyClaimed) {
		return settlement{ack: true, outcome: outcomeDuplicate}
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return settlement{requeue: true, outcome: outcomeRequeued}
	}

	if errors.Is(err, domain.ErrProcessingFailed) {
		return settlement{outcome: outcomeFailed}
	}

	return settlement{outcome: outcomeRejected}
}
