package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	jobs "github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db         *sqlx.DB
	logger     *slog.Logger
	staleAfter time.Duration
}

// NewStorage creates a new Storage instance. A PROCESSING run whose heartbeat
// is older than staleAfter may be claimed again by another worker.
func NewStorage(db *sqlx.DB, staleAfter time.Duration, logger *slog.Logger) *Storage {
	return &Storage{
		db:         db,
		logger:     logger.With(slog.String("component", "worker-storage")),
		staleAfter: staleAfter,
	}
}

// ClaimTask records this worker as the owner of (job_id, task_type) and marks
// the song PROCESSING. Completed runs and runs with a live heartbeat are never
// claimed twice; failed or abandoned runs can be claimed again.
func (s *Storage) ClaimTask(ctx context.Context, jobID string, taskType jobs.TaskType, workerID string) (*domain.Claim, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimQuery := `
		INSERT INTO task_runs (job_id, task_type, worker_id, status, attempts, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (job_id, task_type) DO UPDATE
		SET worker_id = EXCLUDED.worker_id,
		    status = EXCLUDED.status,
		    attempts = task_runs.attempts + 1,
		    error_message = NULL,
		    started_at = NOW(),
		    finished_at = NULL,
		    last_heartbeat_at = NOW()
		WHERE task_runs.status = $5
		   OR (task_runs.status = $4 AND task_runs.last_heartbeat_at < NOW() - make_interval(secs => $6))
		RETURNING attempts
	`

	var attempt int
	err = tx.QueryRowxContext(ctx, claimQuery,
		jobID, string(taskType), workerID,
		domain.RunStatusProcessing, domain.RunStatusFailed,
		s.staleAfter.Seconds(),
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAlreadyClaimed
	}
	if isForeignKeyViolation(err) {
		return nil, domain.ErrSongNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	songQuery := `
		UPDATE songs
		SET status = $1,
		    started_at = COALESCE(started_at, NOW()),
		    finished_at = NULL,
		    error_message = NULL,
		    progress = 0
		WHERE id = $2
	`

	result, err := tx.ExecContext(ctx, songQuery, jobs.SongStatusProcessing, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark song processing: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, domain.ErrSongNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.logger.Info("Task claimed",
		slog.String("job_id", jobID),
		slog.String("task_type", string(taskType)),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt),
	)

	return &domain.Claim{
		JobID:    jobID,
		TaskType: taskType,
		WorkerID: workerID,
		Attempt:  attempt,
	}, nil
}

// CompleteTask marks the run and the song COMPLETED
func (s *Storage) CompleteTask(ctx context.Context, claim *domain.Claim) error {
	return s.finish(ctx, claim, domain.RunStatusCompleted, jobs.SongStatusCompleted, nil)
}

// FailTask marks the run and the song FAILED with a truncated error message
func (s *Storage) FailTask(ctx context.Context, claim *domain.Claim, errorMsg string) error {
	msg := domain.TruncateError(errorMsg)
	return s.finish(ctx, claim, domain.RunStatusFailed, jobs.SongStatusFailed, &msg)
}

func (s *Storage) finish(ctx context.Context, claim *domain.Claim, runStatus, songStatus string, errorMsg *string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	runQuery := `
		UPDATE task_runs
		SET status = $1,
		    error_message = $2,
		    finished_at = NOW()
		WHERE job_id = $3 AND task_type = $4 AND worker_id = $5
	`
	if _, err := tx.ExecContext(ctx, runQuery, runStatus, errorMsg, claim.JobID, string(claim.TaskType), claim.WorkerID); err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}

	songQuery := `
		UPDATE songs
		SET status = $1,
		    error_message = $2,
		    finished_at = NOW(),
		    progress = CASE WHEN $1 = $3 THEN 100 ELSE progress END
		WHERE id = $4
	`
	if _, err := tx.ExecContext(ctx, songQuery, songStatus, errorMsg, jobs.SongStatusCompleted, claim.JobID); err != nil {
		return fmt.Errorf("failed to update song status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task status: %w", err)
	}

	s.logger.Info("Task status updated",
		slog.String("job_id", claim.JobID),
		slog.String("task_type", string(claim.TaskType)),
		slog.String("status", runStatus),
	)

	return nil
}

// Heartbeat refreshes last_heartbeat_at for a running task
func (s *Storage) Heartbeat(ctx context.Context, claim *domain.Claim) error {
	query := `
		UPDATE task_runs
		SET last_heartbeat_at = NOW()
		WHERE job_id = $1 AND task_type = $2 AND worker_id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, claim.JobID, string(claim.TaskType), claim.WorkerID, domain.RunStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update task heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Task heartbeat update - no rows affected (run may have been taken over)",
			slog.String("job_id", claim.JobID),
			slog.String("task_type", string(claim.TaskType)),
		)
	}

	return nil
}

// task_runs.job_id references songs(id)
const foreignKeyViolation pq.ErrorCode = "23503"

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
