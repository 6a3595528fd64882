package dto

// CreateJobRequest is the body of POST /api/v1/jobs. Fields are validated by
// the dispatch service so errors carry the job message field names.
type CreateJobRequest struct {
	JobID    string `json:"job_id"`
	TaskType string `json:"task_type"`
	InputKey string `json:"input_key"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobStatusDTO `json:"jobs"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// JobStatusDTO is the processing state of the song a job belongs to
type JobStatusDTO struct {
	JobID        string  `json:"job_id"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	ErrorMessage *string `json:"error_message"`
	StartedAt    *string `json:"started_at"`
	FinishedAt   *string `json:"finished_at"`
	CreatedAt    string  `json:"created_at"`
}

type StorageKeyRequest struct {
	Filename string `json:"filename" binding:"required"`
	Prefix   string `json:"prefix"`
}

type StorageKeyResponse struct {
	Key string `json:"key"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}
