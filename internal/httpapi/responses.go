package httpapi

import "github.com/agentforge/dispatchd/internal/models"

// EnqueueResponse is returned by POST /jobs.
type EnqueueResponse struct {
	JobID  string          `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// CostResponse is returned by GET /projects/:id/cost.
type CostResponse struct {
	ProjectID string               `json:"project_id"`
	Period    models.ProjectPeriod `json:"period"`
	Budget    models.BudgetStatus  `json:"budget"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status     string         `json:"status"`
	QueueDepth QueueDepths    `json:"queue_depth"`
	Workers    []WorkerHealth `json:"workers,omitempty"`
}

// QueueDepths reports the FIFO length of each broker queue.
type QueueDepths struct {
	Incoming     int64 `json:"incoming"`
	DelayedRetry int64 `json:"delayed_retry"`
	DeadLetter   int64 `json:"dead_letter"`
}

// WorkerHealth is one dispatcher worker's point-in-time snapshot, mirrored
// from dispatcher.Health to avoid an import of the dispatcher package's
// internal Status type into the wire contract.
type WorkerHealth struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	CurrentJobID  string `json:"current_job_id,omitempty"`
	JobsProcessed int    `json:"jobs_processed"`
}

// RedriveResponse is returned by POST /admin/dead-letter/:job_id/redrive.
type RedriveResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}
