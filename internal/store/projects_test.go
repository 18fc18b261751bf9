package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/dispatchd/internal/models"
)

func projectRow(id, name string, budget *float64) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = name
		*(dest[2].(**float64)) = budget
		return nil
	}}
}

func TestProjectRepo_Insert(t *testing.T) {
	pool := &poolStub{}
	repo := NewProjectRepo(pool)
	budget := 100.0
	err := repo.Insert(context.Background(), &models.Project{ID: "proj-1", Name: "demo", BudgetAllocated: &budget})
	require.NoError(t, err)
}

func TestProjectRepo_Get_Success(t *testing.T) {
	budget := 250.0
	pool := &poolStub{row: projectRow("proj-1", "demo", &budget)}
	repo := NewProjectRepo(pool)

	p, err := repo.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", p.ID)
	assert.Equal(t, "demo", p.Name)
	require.NotNil(t, p.BudgetAllocated)
	assert.Equal(t, 250.0, *p.BudgetAllocated)
}

func TestProjectRepo_Get_NoBudgetCap(t *testing.T) {
	pool := &poolStub{row: projectRow("proj-2", "uncapped", nil)}
	repo := NewProjectRepo(pool)

	p, err := repo.Get(context.Background(), "proj-2")
	require.NoError(t, err)
	assert.False(t, p.HasBudget())
}

func TestProjectRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: errRow(pgx.ErrNoRows)}
	repo := NewProjectRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
