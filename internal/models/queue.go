package models

import "time"

// QueueName identifies one of the three broker queues the Queue Facade
// manages.
type QueueName string

// The three queues named in spec §3/§4.8.
const (
	QueueIncoming     QueueName = "incoming"
	QueueDelayedRetry QueueName = "delayed-retry"
	QueueDeadLetter   QueueName = "dead-letter"
)

// JobEnvelope is the wire payload published to the incoming queue: the job
// id plus an attempt counter, per spec §6.
type JobEnvelope struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// RetryEnvelope is a delayed-queue entry, ordered by DueAt ascending.
type RetryEnvelope struct {
	JobID   string    `json:"job_id"`
	Attempt int       `json:"attempt"`
	DueAt   time.Time `json:"due_at"`
}

// DeadLetterEnvelope records a job that exhausted retries or failed
// terminally.
type DeadLetterEnvelope struct {
	JobID       string    `json:"job_id"`
	FinalError  string    `json:"final_error"`
	Attempts    int       `json:"attempts"`
	RecordedAt  time.Time `json:"recorded_at"`
}
