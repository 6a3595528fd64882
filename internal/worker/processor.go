package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softchor/jobdispatch/internal/worker/domain"
)

// processJob claims the task, runs the processor under the job timeout and
// records the result
func (w *Worker) processJob(ctx context.Context, task *domain.Task) error {
	msg := task.Message

	claim, err := w.storage.ClaimTask(ctx, msg.JobID, msg.TaskType, w.workerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyClaimed):
			w.logger.Warn("Task already claimed, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("task_type", string(msg.TaskType)),
			)
			return err
		case errors.Is(err, domain.ErrSongNotFound):
			w.logger.Error("Job refers to an unknown song",
				slog.String("job_id", msg.JobID),
			)
			return err
		default:
			// database errors are usually transient
			w.logger.Error("Failed to claim task",
				slog.String("job_id", msg.JobID),
				slog.Any("error", err),
			)
			return domain.NewRetryableError(fmt.Errorf("failed to claim task: %w", err))
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendTaskHeartbeat(jobCtx, claim, heartbeatDone)
	}()

	start := time.Now()
	runErr := w.runner.Run(jobCtx, msg)
	close(heartbeatDone)
	<-heartbeatStopped

	if runErr != nil {
		w.logger.Error("Task execution failed",
			slog.String("job_id", msg.JobID),
			slog.String("task_type", string(msg.TaskType)),
			slog.Int("attempt", claim.Attempt),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", runErr),
		)

		if updateErr := w.storage.FailTask(ctx, claim, runErr.Error()); updateErr != nil {
			w.logger.Error("Failed to update task status to FAILED",
				slog.String("job_id", msg.JobID),
				slog.Any("error", updateErr),
			)
		}

		return fmt.Errorf("%w: %w", domain.ErrProcessingFailed, runErr)
	}

	if updateErr := w.storage.CompleteTask(ctx, claim); updateErr != nil {
		// the processor's outputs exist, redoing the work would not help
		w.logger.Error("Failed to update task status to COMPLETED",
			slog.String("job_id", msg.JobID),
			slog.Any("error", updateErr),
		)
	}

	w.logger.Info("Task completed successfully",
		slog.String("job_id", msg.JobID),
		slog.String("task_type", string(msg.TaskType)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}

// sendTaskHeartbeat periodically refreshes the claim while the processor runs
func (w *Worker) sendTaskHeartbeat(ctx context.Context, claim *domain.Claim, done <-chan struct{}) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.Heartbeat(ctx, claim); err != nil {
				w.logger.Warn("Failed to update task heartbeat",
					slog.String("job_id", claim.JobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
