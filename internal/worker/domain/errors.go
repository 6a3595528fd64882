package domain

import "errors"

var (
	// ErrSongNotFound is returned when the job_id has no song row
	ErrSongNotFound = errors.New("song not found")

	// ErrAlreadyClaimed is returned when another delivery of the same job_id and
	// task_type is running or has completed
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrInvalidMessage is returned when a delivery body is not a valid job message
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrProcessingFailed is returned when the task processor fails or times out
	ErrProcessingFailed = errors.New("task processing failed")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
