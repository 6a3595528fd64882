package domain

import (
	amqp "github.com/rabbitmq/amqp091-go"

	jobs "github.com/softchor/jobdispatch/internal/domain"
)

// Task run status values stored in task_runs
const (
	RunStatusProcessing = "PROCESSING"
	RunStatusCompleted  = "COMPLETED"
	RunStatusFailed     = "FAILED"
)

// MaxErrorMessageLength caps the failure text stored for a task
const MaxErrorMessageLength = 10000

// Task is a decoded job message together with the delivery that carried it
type Task struct {
	Message  jobs.JobMessage
	Delivery amqp.Delivery
}

// Claim is the worker's ownership of one (job_id, task_type) run
type Claim struct {
	JobID    string
	TaskType jobs.TaskType
	WorkerID string
	Attempt  int
}

// TruncateError shortens msg to MaxErrorMessageLength bytes without splitting a rune.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorMessageLength {
		return msg
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !runeStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func runeStart(b byte) bool {
	return b&0xC0 != 0x80
}
