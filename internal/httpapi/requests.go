package httpapi

// EnqueueRequest is the HTTP request body for POST /jobs.
type EnqueueRequest struct {
	ProjectID       string         `json:"project_id" binding:"required"`
	Type            string         `json:"type" binding:"required"`
	Payload         map[string]any `json:"payload" binding:"required"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	MaxRetries      *int           `json:"max_retries,omitempty"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
}
