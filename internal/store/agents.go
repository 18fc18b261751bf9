package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentforge/dispatchd/internal/models"
)

// AgentRepo persists Agent rows. Owned by the HTTP/admin layer; the
// Dispatcher only reads, per spec §3.
type AgentRepo struct{ Pool PgxPool }

// NewAgentRepo constructs an AgentRepo over pool.
func NewAgentRepo(pool PgxPool) *AgentRepo { return &AgentRepo{Pool: pool} }

// Insert creates a new agent row.
func (r *AgentRepo) Insert(ctx context.Context, a *models.Agent) error {
	q := `INSERT INTO agents (id, type, provider_id, model_id, status, last_heartbeat)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.Type, a.ProviderID, a.ModelID, a.Status, a.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("store: insert agent %s: %w", a.ID, err)
	}
	return nil
}

// Get loads an agent by id.
func (r *AgentRepo) Get(ctx context.Context, id string) (*models.Agent, error) {
	q := `SELECT id, type, provider_id, model_id, status, COALESCE(current_job_id,''), last_heartbeat
		FROM agents WHERE id=$1`
	var a models.Agent
	err := r.Pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Type, &a.ProviderID, &a.ModelID, &a.Status, &a.CurrentJobID, &a.LastHeartbeat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	return &a, nil
}

// ListIdleByType returns idle agents capable of handling jobType, for the
// Dispatcher's agent-selection step.
func (r *AgentRepo) ListIdleByType(ctx context.Context, jobType models.JobType) ([]*models.Agent, error) {
	q := `SELECT id, type, provider_id, model_id, status, COALESCE(current_job_id,''), last_heartbeat
		FROM agents WHERE type=$1 AND status=$2`
	rows, err := r.Pool.Query(ctx, q, jobType, models.AgentStatusIdle)
	if err != nil {
		return nil, fmt.Errorf("store: list idle agents for type %s: %w", jobType, err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Type, &a.ProviderID, &a.ModelID, &a.Status, &a.CurrentJobID, &a.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SetBusy marks agent busy with jobID, called by Dispatcher when it starts
// running a job against this agent.
func (r *AgentRepo) SetBusy(ctx context.Context, agentID, jobID string) error {
	q := `UPDATE agents SET status=$2, current_job_id=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, agentID, models.AgentStatusBusy, jobID)
	if err != nil {
		return fmt.Errorf("store: set agent %s busy: %w", agentID, err)
	}
	return nil
}

// SetIdle marks agent idle, called by Dispatcher after settling a job.
func (r *AgentRepo) SetIdle(ctx context.Context, agentID string) error {
	q := `UPDATE agents SET status=$2, current_job_id=NULL WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, agentID, models.AgentStatusIdle)
	if err != nil {
		return fmt.Errorf("store: set agent %s idle: %w", agentID, err)
	}
	return nil
}
