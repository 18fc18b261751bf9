package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentforge/dispatchd/internal/models"
)

// ErrNotFound is returned when a row lookup by id matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrLocked is returned by TransitionToRunning when another reservation
// currently holds the row lock — the caller (Dispatcher) should treat this
// exactly like the status != pending guard: ack the broker delivery and
// move on, per spec §4.7 step 2 and §5 ("multiple reservations of the same
// job id are possible").
var ErrLocked = errors.New("store: job row locked by another reservation")

// JobRepo persists Job rows. The persistent store exclusively owns job
// rows, per spec §3 ownership rules.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo over pool.
func NewJobRepo(pool PgxPool) *JobRepo { return &JobRepo{Pool: pool} }

// Insert creates a new pending job row.
func (r *JobRepo) Insert(ctx context.Context, j *models.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}

	q := `INSERT INTO jobs
		(id, project_id, assigned_agent_id, type, payload, status, max_retries,
		 provider, model, estimated_cost, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.ProjectID, nullIfEmpty(j.AssignedAgentID), j.Type, payload, j.Status,
		j.MaxRetries, j.Provider, j.Model, j.EstimatedCost, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*models.Job, error) {
	q := `SELECT id, project_id, COALESCE(assigned_agent_id,''), type, payload, status,
		retry_count, max_retries, COALESCE(failure_reason,''), COALESCE(last_error,''),
		next_retry_at, tokens_in, tokens_out, tokens_total, actual_cost, estimated_cost,
		started_at, completed_at, actual_duration_ms, result, COALESCE(logs,''),
		COALESCE(provider,''), COALESCE(model,''), created_at, cancel_requested
		FROM jobs WHERE id=$1`
	return scanJob(r.Pool.QueryRow(ctx, q, id))
}

// TransitionToRunning implements the atomic claim step of spec §4.7 ("Load &
// guard" + the running transition of "Run"), grounded on the same
// SELECT ... FOR UPDATE SKIP LOCKED shape used to claim queue work in the
// single-process design this module generalizes from. Unlike that design,
// dispatch ordering comes from the Queue Facade, not from this query — this
// claims one already-identified job id, using SKIP LOCKED purely to let a
// losing concurrent reservation fail fast instead of blocking on the row.
//
// Returns ErrLocked if another reservation currently holds the row or if
// the id doesn't exist (SKIP LOCKED cannot tell the two apart, so
// ErrNotFound is never returned), and the unmodified job with no error if
// its status is not pending (duplicate delivery — caller should ack and
// skip without retrying, per spec §4.7 step 2).
func (r *JobRepo) TransitionToRunning(ctx context.Context, id string) (*models.Job, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("store: begin transition-to-running tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `SELECT id, project_id, COALESCE(assigned_agent_id,''), type, payload, status,
		retry_count, max_retries, COALESCE(failure_reason,''), COALESCE(last_error,''),
		next_retry_at, tokens_in, tokens_out, tokens_total, actual_cost, estimated_cost,
		started_at, completed_at, actual_duration_ms, result, COALESCE(logs,''),
		COALESCE(provider,''), COALESCE(model,''), created_at, cancel_requested
		FROM jobs WHERE id=$1 FOR UPDATE SKIP LOCKED`
	job, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Could be a genuine miss, or a concurrent holder of the lock —
			// SKIP LOCKED makes the two indistinguishable from here.
			return nil, ErrLocked
		}
		return nil, err
	}

	if job.Status != models.JobStatusPending {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("store: commit no-op transition read: %w", err)
		}
		committed = true
		return job, nil
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, started_at=$3 WHERE id=$1`,
		id, models.JobStatusRunning, now); err != nil {
		return nil, fmt.Errorf("store: mark job %s running: %w", id, err)
	}
	job.Status = models.JobStatusRunning
	job.StartedAt = &now

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit transition to running: %w", err)
	}
	committed = true
	return job, nil
}

// SettleSuccess records a completed job's usage, cost, result, and logs in
// one atomic write, per spec §4.7 step 5.
func (r *JobRepo) SettleSuccess(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, result map[string]any, logs string, duration time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	now := time.Now()
	q := `UPDATE jobs SET status=$2, tokens_in=$3, tokens_out=$4, tokens_total=$5,
		actual_cost = actual_cost + $6, result=$7, logs=$8, completed_at=$9, actual_duration_ms=$10
		WHERE id=$1 AND status=$11`
	tag, err := r.Pool.Exec(ctx, q, id, models.JobStatusCompleted, tokensIn, tokensOut, tokensIn+tokensOut,
		cost, resultJSON, logs, now, duration.Milliseconds(), models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("store: settle success for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: settle success for %s: %w (status was not running)", id, ErrNotFound)
	}
	return nil
}

// SettleRetry records a failed attempt and reschedules the job, per spec
// §4.7 step 6 (retry branch). retryCount is the NEW (incremented) count.
func (r *JobRepo) SettleRetry(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, retryCount int, lastError string, nextRetryAt time.Time) error {
	q := `UPDATE jobs SET status=$2, tokens_in = tokens_in + $3, tokens_out = tokens_out + $4,
		tokens_total = tokens_total + $5, actual_cost = actual_cost + $6,
		retry_count=$7, last_error=$8, next_retry_at=$9
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, models.JobStatusPending, tokensIn, tokensOut, tokensIn+tokensOut,
		cost, retryCount, lastError, nextRetryAt)
	if err != nil {
		return fmt.Errorf("store: settle retry for %s: %w", id, err)
	}
	return nil
}

// SettleDeadLetter moves a job to its terminal dead-letter state, per spec
// §4.7 step 6 (dead-letter branch).
func (r *JobRepo) SettleDeadLetter(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, reason, lastError string) error {
	q := `UPDATE jobs SET status=$2, tokens_in = tokens_in + $3, tokens_out = tokens_out + $4,
		tokens_total = tokens_total + $5, actual_cost = actual_cost + $6,
		failure_reason=$7, last_error=$8
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, models.JobStatusDeadLetter, tokensIn, tokensOut, tokensIn+tokensOut,
		cost, reason, lastError)
	if err != nil {
		return fmt.Errorf("store: settle dead-letter for %s: %w", id, err)
	}
	return nil
}

// SetBlocked marks a job blocked by a project budget overrun, per spec
// §4.7 step 2.
func (r *JobRepo) SetBlocked(ctx context.Context, id, reason string) error {
	q := `UPDATE jobs SET status=$2, failure_reason=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, models.JobStatusBlocked, reason)
	if err != nil {
		return fmt.Errorf("store: block job %s: %w", id, err)
	}
	return nil
}

// ResetForRedrive moves a dead-lettered job back to pending with its retry
// budget reset, per spec §4.7 ("admin moves an envelope back to incoming,
// resetting retry_count").
func (r *JobRepo) ResetForRedrive(ctx context.Context, id string) error {
	q := `UPDATE jobs SET status=$2, retry_count=0, failure_reason='', last_error='', next_retry_at=NULL
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("store: reset job %s for redrive: %w", id, err)
	}
	return nil
}

// ListByProjectInWindow returns every job in project — the aggregation
// window for Cost Ledger's project_period, per spec §4.1. The [from, to]
// window itself is applied by costledger.ProjectPeriod, not here: a
// zero-valued from/to means "unbounded", and a SQL-level
// `completed_at >= $2 AND completed_at <= $3` filter cannot express that
// (the zero time is never >= any real timestamp and never <= one either,
// so every completed job would be silently excluded). from/to are kept as
// parameters so a future index-assisted filter can narrow this query
// without changing callers.
func (r *JobRepo) ListByProjectInWindow(ctx context.Context, projectID string, _, _ time.Time) ([]*models.Job, error) {
	q := `SELECT id, project_id, COALESCE(assigned_agent_id,''), type, payload, status,
		retry_count, max_retries, COALESCE(failure_reason,''), COALESCE(last_error,''),
		next_retry_at, tokens_in, tokens_out, tokens_total, actual_cost, estimated_cost,
		started_at, completed_at, actual_duration_ms, result, COALESCE(logs,''),
		COALESCE(provider,''), COALESCE(model,''), created_at, cancel_requested
		FROM jobs WHERE project_id=$1`
	rows, err := r.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows' shared Scan signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row pgx.Row) (*models.Job, error) {
	return scanJobRow(row)
}

func scanJobRow(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload, result []byte
	var durationMS int64
	if err := row.Scan(
		&j.ID, &j.ProjectID, &j.AssignedAgentID, &j.Type, &payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.FailureReason, &j.LastError,
		&j.NextRetryAt, &j.TokensIn, &j.TokensOut, &j.TokensTotal, &j.ActualCost, &j.EstimatedCost,
		&j.StartedAt, &j.CompletedAt, &durationMS, &result, &j.Logs,
		&j.Provider, &j.Model, &j.CreatedAt, &j.CancelRequested,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	j.ActualDuration = time.Duration(durationMS) * time.Millisecond
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("store: unmarshal payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, fmt.Errorf("store: unmarshal result: %w", err)
		}
	}
	return &j, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
