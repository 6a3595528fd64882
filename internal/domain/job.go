package domain

// Song processing status values, shared with the worker through the songs table
const (
	SongStatusPending    = "PENDING"
	SongStatusProcessing = "PROCESSING"
	SongStatusCompleted  = "COMPLETED"
	SongStatusFailed     = "FAILED"
)

// TaskParams is the payload for both current task types.
type TaskParams struct {
	InputKey string `json:"input_key" validate:"required"`
}

// JobMessage is the unit of work sent to the broker. The JSON field names are
// a contract with the worker fleet and must not change without a migration.
type JobMessage struct {
	JobID      string     `json:"job_id"`
	TaskType   TaskType   `json:"task_type"`
	TaskParams TaskParams `json:"task_params"`
}
