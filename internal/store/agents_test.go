package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/dispatchd/internal/models"
)

// rowsStub implements pgx.Rows over a fixed set of scan functions, one per
// row, grounded on the same hand-rolled fake style as rowStub/poolStub.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                      {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("") }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

func (r *rowsStub) Next() bool {
	return r.idx < len(r.scans)
}

func (r *rowsStub) Scan(dest ...any) error {
	fn := r.scans[r.idx]
	r.idx++
	return fn(dest...)
}

func agentRowScan(id string, jobType models.JobType, providerID, modelID string, status models.AgentStatus, currentJobID string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*models.JobType)) = jobType
		*(dest[2].(*string)) = providerID
		*(dest[3].(*string)) = modelID
		*(dest[4].(*models.AgentStatus)) = status
		*(dest[5].(*string)) = currentJobID
		*(dest[6].(*int64)) = time.Now().Unix()
		return nil
	}
}

func TestAgentRepo_Insert(t *testing.T) {
	pool := &poolStub{}
	repo := NewAgentRepo(pool)
	err := repo.Insert(context.Background(), &models.Agent{
		ID: "agent-1", Type: models.JobTypeImplement, ProviderID: "openai", ModelID: "gpt-5",
		Status: models.AgentStatusIdle, LastHeartbeat: time.Now().Unix(),
	})
	require.NoError(t, err)
}

func TestAgentRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: errRow(pgx.ErrNoRows)}
	repo := NewAgentRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRepo_Get_Success(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: agentRowScan("agent-1", models.JobTypeImplement, "openai", "gpt-5", models.AgentStatusIdle, "")}}
	repo := NewAgentRepo(pool)

	a, err := repo.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", a.ID)
	assert.Equal(t, models.AgentStatusIdle, a.Status)
}

func TestAgentRepo_ListIdleByType(t *testing.T) {
	pool := &poolStub{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{
			agentRowScan("agent-1", models.JobTypeImplement, "openai", "gpt-5", models.AgentStatusIdle, ""),
			agentRowScan("agent-2", models.JobTypeImplement, "anthropic", "claude-opus-4", models.AgentStatusIdle, ""),
		}}, nil
	}}
	repo := NewAgentRepo(pool)

	agents, err := repo.ListIdleByType(context.Background(), models.JobTypeImplement)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.Equal(t, "agent-2", agents[1].ID)
}

func TestAgentRepo_SetBusy(t *testing.T) {
	pool := &poolStub{}
	repo := NewAgentRepo(pool)
	require.NoError(t, repo.SetBusy(context.Background(), "agent-1", "job-1"))
}

func TestAgentRepo_SetIdle(t *testing.T) {
	pool := &poolStub{}
	repo := NewAgentRepo(pool)
	require.NoError(t, repo.SetIdle(context.Background(), "agent-1"))
}
