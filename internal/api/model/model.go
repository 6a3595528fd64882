package model

import "time"

// Song is the row in the songs table that a job_id refers to. The worker
// mirrors task progress into it.
type Song struct {
	ID           string     `db:"id"`
	Title        string     `db:"title"`
	Status       string     `db:"status"`
	Progress     int        `db:"progress"`
	ErrorMessage *string    `db:"error_message"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	CreatedAt    time.Time  `db:"created_at"`
}
