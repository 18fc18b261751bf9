// Package models holds the core data types of the job lifecycle subsystem:
// jobs, projects, agents, circuit state, and queue envelopes.
package models

import "time"

// JobStatus is the lifecycle status of a Job. The exact string set is part
// of the external contract (persisted, reported over HTTP, used in queue
// payloads) and must not be extended casually.
type JobStatus string

// Job statuses. Terminal: Completed, Blocked, DeadLetter.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusBlocked    JobStatus = "blocked"
	JobStatusDeadLetter JobStatus = "dead-letter"
)

// IsTerminal reports whether the status is a terminal lifecycle state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusBlocked, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// JobType tags the kind of software-engineering task a Job represents.
type JobType string

// Fixed set of job types the dispatcher knows how to route.
const (
	JobTypeDesign    JobType = "design"
	JobTypeImplement JobType = "implement"
	JobTypeReview    JobType = "review"
	JobTypeTest      JobType = "test"
	JobTypeDeploy    JobType = "deploy"
	JobTypeMonitor   JobType = "monitor"
)

// Job is one unit of work dispatched to an agent. Mutated only by the
// Dispatcher; created by the HTTP layer via Enqueue.
type Job struct {
	ID               string
	ProjectID        string
	AssignedAgentID  string // advisory hint only, may be empty
	Type             JobType
	Payload          map[string]any
	Status           JobStatus
	RetryCount       int
	MaxRetries       int
	FailureReason    string
	LastError        string
	NextRetryAt      *time.Time
	TokensIn         int64
	TokensOut        int64
	TokensTotal      int64
	ActualCost       float64
	EstimatedCost    float64
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ActualDuration   time.Duration
	Result           map[string]any
	Logs             string
	Provider         string
	Model            string
	CreatedAt        time.Time
	CancelRequested  bool
}

// AddUsage records token usage from one provider call onto the job's
// running totals. Per spec §4.6/§9 this happens for every provider call,
// even when the job ultimately fails.
func (j *Job) AddUsage(in, out int64) {
	j.TokensIn += in
	j.TokensOut += out
	j.TokensTotal = j.TokensIn + j.TokensOut
}

// CanRetry reports whether the job has retry budget remaining.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
