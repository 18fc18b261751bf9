package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentforge/dispatchd/internal/models"
)

// ProjectRepo persists Project rows. Cost totals are never stored here —
// they are always derived from jobs, per spec §3.
type ProjectRepo struct{ Pool PgxPool }

// NewProjectRepo constructs a ProjectRepo over pool.
func NewProjectRepo(pool PgxPool) *ProjectRepo { return &ProjectRepo{Pool: pool} }

// Insert creates a new project row.
func (r *ProjectRepo) Insert(ctx context.Context, p *models.Project) error {
	q := `INSERT INTO projects (id, name, budget_allocated) VALUES ($1,$2,$3)`
	_, err := r.Pool.Exec(ctx, q, p.ID, p.Name, p.BudgetAllocated)
	if err != nil {
		return fmt.Errorf("store: insert project %s: %w", p.ID, err)
	}
	return nil
}

// Get loads a project by id.
func (r *ProjectRepo) Get(ctx context.Context, id string) (*models.Project, error) {
	q := `SELECT id, name, budget_allocated FROM projects WHERE id=$1`
	var p models.Project
	err := r.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.BudgetAllocated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get project %s: %w", id, err)
	}
	return &p, nil
}
