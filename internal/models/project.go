package models

// Project groups jobs and carries an optional spend cap. Cost totals are
// always derived from jobs at read time — never stored on the project row.
type Project struct {
	ID              string
	Name            string
	BudgetAllocated *float64 // nil means "no cap"
}

// HasBudget reports whether the project has a spend cap configured.
func (p *Project) HasBudget() bool {
	return p.BudgetAllocated != nil
}

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

// Agent statuses.
const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a provider+model binding with a role-specific type tag. Owned by
// the HTTP/admin layer; the Dispatcher only reads agent rows to pick a
// compatible worker for a job.
type Agent struct {
	ID             string
	Type           JobType
	ProviderID     string
	ModelID        string
	Status         AgentStatus
	CurrentJobID   string
	LastHeartbeat  int64 // unix seconds
}
