// Package dispatcher implements the reserve/load/admit/run/settle worker
// loop described in spec §4.7, generalized from the teacher's
// queue.Worker.pollAndProcess: instead of claiming the next pending row
// directly from Postgres, a Dispatcher reserves a job id through the Queue
// Facade and only then loads and guards the row.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentforge/dispatchd/internal/agentloop"
	"github.com/agentforge/dispatchd/internal/circuitbreaker"
	"github.com/agentforge/dispatchd/internal/costledger"
	"github.com/agentforge/dispatchd/internal/models"
	"github.com/agentforge/dispatchd/internal/provider"
	"github.com/agentforge/dispatchd/internal/queuefacade"
	"github.com/agentforge/dispatchd/internal/retrypolicy"
	"github.com/agentforge/dispatchd/internal/store"
)

// ErrNoJobAvailable is returned by pollAndProcess when incoming had nothing
// to reserve; callers should back off per PollInterval, mirroring the
// teacher's ErrNoSessionsAvailable sleep branch.
var ErrNoJobAvailable = errors.New("dispatcher: no job available")

// JobStore is the slice of *store.JobRepo the Dispatcher needs. Declared
// here (rather than depending on the concrete type) so tests can substitute
// an in-memory fake instead of a pgx-backed repository, the same narrow-
// interface-at-point-of-use style as store.PgxPool and JobRunner.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	TransitionToRunning(ctx context.Context, id string) (*models.Job, error)
	SettleSuccess(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, result map[string]any, logs string, duration time.Duration) error
	SettleRetry(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, retryCount int, lastError string, nextRetryAt time.Time) error
	SettleDeadLetter(ctx context.Context, id string, tokensIn, tokensOut int64, cost float64, reason, lastError string) error
	SetBlocked(ctx context.Context, id, reason string) error
	ListByProjectInWindow(ctx context.Context, projectID string, from, to time.Time) ([]*models.Job, error)
}

// ProjectStore is the slice of *store.ProjectRepo the Dispatcher needs.
type ProjectStore interface {
	Get(ctx context.Context, id string) (*models.Project, error)
}

// AgentStore is the slice of *store.AgentRepo the Dispatcher needs.
type AgentStore interface {
	Get(ctx context.Context, id string) (*models.Agent, error)
	ListIdleByType(ctx context.Context, jobType models.JobType) ([]*models.Agent, error)
	SetBusy(ctx context.Context, agentID, jobID string) error
	SetIdle(ctx context.Context, agentID string) error
}

// Status is the worker's current activity, surfaced via Health.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Health is a point-in-time snapshot of one Dispatcher worker.
type Health struct {
	ID             string
	Status         Status
	CurrentJobID   string
	JobsProcessed  int
	LastActivity   time.Time
}

// Config bundles the tunables a Dispatcher needs to run jobs, per spec §4.7
// (reservation visibility and poll cadence). Sandbox resource caps live on
// the JobRunner, not here.
type Config struct {
	VisibilityTimeout time.Duration // must exceed worst-case agent runtime, per spec §4.7 step 1
	PollInterval      time.Duration
}

// DefaultConfig returns sane defaults: visibility timeout generous enough
// to cover the sandbox wall-clock cap plus provider latency.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 45 * time.Minute,
		PollInterval:      2 * time.Second,
	}
}

// Dispatcher is one reservation-to-settlement worker, per spec §4.7/§5: a
// single goroutine (see Start) that handles one reservation at a time.
// Multiple Dispatchers share
// the same queue facade, store pool, circuit breaker registry, and docker
// client.
type Dispatcher struct {
	id     string
	cfg    Config
	queue  *queuefacade.Facade
	jobs   JobStore
	projs  ProjectStore
	agents AgentStore

	breaker *circuitbreaker.Registry
	retry   *retrypolicy.Policy
	prices  *costledger.Table
	runner  JobRunner

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	status        Status
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc
}

// New constructs a Dispatcher worker. id should be unique per worker
// (e.g. "<pod>-worker-<n>"); it is used only for health reporting and as the
// worker_id log field. Sandbox containers are named from the job id alone.
func New(
	id string,
	cfg Config,
	queue *queuefacade.Facade,
	jobs JobStore,
	projs ProjectStore,
	agents AgentStore,
	breaker *circuitbreaker.Registry,
	retry *retrypolicy.Policy,
	prices *costledger.Table,
	runner JobRunner,
) *Dispatcher {
	return &Dispatcher{
		id:      id,
		cfg:     cfg,
		queue:   queue,
		jobs:    jobs,
		projs:   projs,
		agents:  agents,
		breaker: breaker,
		retry:   retry,
		prices:  prices,
		runner:  runner,
		stopCh:  make(chan struct{}),
		status:  StatusIdle,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker's run loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the worker to stop and waits for its current reservation
// (if any) to finish. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Health reports the worker's current snapshot.
func (d *Dispatcher) Health() Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Health{
		ID: d.id, Status: d.status, CurrentJobID: d.currentJobID,
		JobsProcessed: d.jobsProcessed, LastActivity: d.lastActivity,
	}
}

// CancelJob triggers the Agent Loop's context cancellation for jobID if
// this worker currently holds its reservation. Returns true if found here.
func (d *Dispatcher) CancelJob(jobID string) bool {
	d.cancelMu.RLock()
	defer d.cancelMu.RUnlock()
	if cancel, ok := d.cancels[jobID]; ok {
		cancel()
		return true
	}
	return false
}

func (d *Dispatcher) setStatus(status Status, jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
	d.currentJobID = jobID
	d.lastActivity = time.Now()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	log := slog.With("worker_id", d.id)
	log.Info("dispatcher worker started")

	for {
		select {
		case <-d.stopCh:
			log.Info("dispatcher worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, dispatcher worker shutting down")
			return
		default:
			if err := d.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobAvailable) {
					d.sleep(d.cfg.PollInterval)
					continue
				}
				log.Error("error processing job", "error", err)
				d.sleep(time.Second)
			}
		}
	}
}

func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(dur):
	}
}

// pollAndProcess implements one tick of spec §4.7: reserve, load & guard,
// admit, run, settle.
func (d *Dispatcher) pollAndProcess(ctx context.Context) error {
	receipt, payload, err := d.queue.Reserve(ctx, models.QueueIncoming, d.cfg.VisibilityTimeout)
	if err != nil {
		if errors.Is(err, queuefacade.ErrEmpty) {
			return ErrNoJobAvailable
		}
		return fmt.Errorf("dispatcher: reserve: %w", err)
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		// Malformed payload can never be processed; ack it so it does not
		// wedge the queue forever, and log loudly.
		slog.Error("dispatcher: dropping malformed envelope", "error", err)
		return d.queue.Ack(ctx, models.QueueIncoming, receipt)
	}

	log := slog.With("worker_id", d.id, "job_id", env.JobID, "attempt", env.Attempt)
	d.setStatus(StatusWorking, env.JobID)
	defer d.setStatus(StatusIdle, "")

	if err := d.processReservation(ctx, env.JobID); err != nil {
		log.Error("dispatcher: processing reservation failed", "error", err)
		// Whatever happened, the reservation itself is done with — the job
		// row carries the durable outcome (pending/blocked/dead-letter); ack
		// so the broker does not redeliver a reservation we already acted on.
	}

	if err := d.queue.Ack(ctx, models.QueueIncoming, receipt); err != nil {
		return fmt.Errorf("dispatcher: ack job %s: %w", env.JobID, err)
	}

	d.mu.Lock()
	d.jobsProcessed++
	d.mu.Unlock()
	return nil
}

func decodeEnvelope(payload []byte) (models.JobEnvelope, error) {
	var env models.JobEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.JobEnvelope{}, err
	}
	if env.JobID == "" {
		return models.JobEnvelope{}, fmt.Errorf("dispatcher: envelope missing job_id")
	}
	return env, nil
}

// processReservation runs load&guard/admit/run/settle for one job id,
// per spec §4.7 steps 2-6. It never returns an error for ordinary lifecycle
// outcomes (blocked, retried, dead-lettered) — only for infrastructure
// failures the caller should log.
func (d *Dispatcher) processReservation(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("dispatcher: reserved job id not found, dropping", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	// Step 2: guard — duplicate delivery of an already-progressed job is a
	// no-op, per spec §5 ("status != pending guard provides idempotency").
	if job.Status != models.JobStatusPending {
		slog.Info("dispatcher: duplicate delivery, job no longer pending", "job_id", jobID, "status", job.Status)
		return nil
	}

	if blocked, reason, err := d.checkBudget(ctx, job); err != nil {
		return fmt.Errorf("check budget for job %s: %w", jobID, err)
	} else if blocked {
		if err := d.jobs.SetBlocked(ctx, jobID, reason); err != nil {
			return fmt.Errorf("block job %s: %w", jobID, err)
		}
		slog.Info("dispatcher: job blocked by budget", "job_id", jobID, "reason", reason)
		return nil
	}

	// Step 3: admit — consult the breaker before claiming the row, so a
	// denied call never transitions status to running. This is a read-only
	// check: the real Admit/Record pairing happens around the actual
	// provider call in Gateway.Invoke. Calling Admit here too would consume
	// the single half-open probe before the real call ever runs, so the
	// real call is always denied behind it and the circuit can never close.
	if d.breaker.IsOpen(job.Provider) {
		d.scheduleOutcome(ctx, job, models.ErrKindProviderUnavailable,
			fmt.Errorf("provider %q: circuit open", job.Provider))
		return nil
	}

	// Step 4: run — claim the row (handles the concurrent-redelivery race
	// via FOR UPDATE SKIP LOCKED) and execute the Agent Loop.
	running, err := d.jobs.TransitionToRunning(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			slog.Info("dispatcher: job row locked by a concurrent reservation, skipping", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("transition job %s to running: %w", jobID, err)
	}
	if running.Status != models.JobStatusRunning {
		// TransitionToRunning found the row already past pending by the
		// time it read it inside the tx; same idempotency guard as above.
		return nil
	}

	d.execute(ctx, running)
	return nil
}

// checkBudget implements spec §4.7 step 2's budget guard using Cost
// Ledger's budget_status over the project's full spend to date.
func (d *Dispatcher) checkBudget(ctx context.Context, job *models.Job) (blocked bool, reason string, err error) {
	project, err := d.projs.Get(ctx, job.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "", nil
		}
		return false, "", err
	}
	if !project.HasBudget() {
		return false, "", nil
	}

	jobs, err := d.jobs.ListByProjectInWindow(ctx, project.ID, time.Time{}, time.Time{})
	if err != nil {
		return false, "", err
	}
	var spent float64
	for _, j := range jobs {
		spent += j.ActualCost
	}

	status := costledger.BudgetStatus(project, spent)
	if status.Status == models.BudgetExceeded {
		return true, "project budget exceeded", nil
	}
	return false, "", nil
}

// execute runs the Agent Loop inside a fresh sandbox for job (already
// transitioned to running) and settles the outcome, per spec §4.7 steps
// 4-6. Errors are terminal to this call only in the infrastructure sense —
// job-level failures are always settled via scheduleOutcome/settleSuccess,
// never propagated to the caller.
func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.cancelMu.Lock()
	d.cancels[job.ID] = cancel
	d.cancelMu.Unlock()
	defer func() {
		d.cancelMu.Lock()
		delete(d.cancels, job.ID)
		d.cancelMu.Unlock()
	}()

	agentID := d.claimAgent(ctx, job)
	if agentID != "" {
		defer func() {
			if err := d.agents.SetIdle(context.Background(), agentID); err != nil {
				slog.Warn("dispatcher: failed to release agent", "agent_id", agentID, "error", err)
			}
		}()
	}

	result, err := d.runner.Run(jobCtx, job)

	cost, costErr := d.prices.Cost(job.Provider, job.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	if costErr != nil {
		slog.Warn("dispatcher: pricing lookup failed, recording zero cost", "job_id", job.ID, "error", costErr)
	}

	if err != nil {
		if errors.Is(jobCtx.Err(), context.Canceled) && ctx.Err() == nil {
			// jobCtx was cancelled by an explicit CancelJob call rather than
			// by the caller's own context, so treat this as a user cancel.
			err = models.Classify(models.ErrKindUserCancelled, err)
		}
		d.settleFailure(ctx, job, result, cost, err, start)
		return
	}

	d.settleSuccess(ctx, job, result, cost, start)
}

func (d *Dispatcher) settleSuccess(ctx context.Context, job *models.Job, result agentloop.Result, cost float64, start time.Time) {
	resultPayload := map[string]any{"content": result.Content, "outcome": string(result.Outcome)}
	logs := transcriptToLogs(result.Transcript)
	err := d.jobs.SettleSuccess(ctx, job.ID, result.Usage.InputTokens, result.Usage.OutputTokens, cost,
		resultPayload, logs, time.Since(start))
	if err != nil {
		slog.Error("dispatcher: settle success failed", "job_id", job.ID, "error", err)
	}
	d.breaker.Record(job.Provider, circuitbreaker.Success)
}

// settleFailure implements step 6: classify, record breaker failure only
// for provider-originated errors, then either reschedule or dead-letter.
func (d *Dispatcher) settleFailure(ctx context.Context, job *models.Job, result agentloop.Result, cost float64, err error, start time.Time) {
	kind := models.KindOf(err)
	if kind == models.ErrKindProviderUnavailable || kind == models.ErrKindProviderRejected {
		d.breaker.Record(job.Provider, circuitbreaker.Failure)
	}

	if kind == models.ErrKindMaxIterations && result.HasArtifact {
		// Partial result judged as a real artifact: settle as success with
		// the truncated/partial content rather than failing the job, per
		// spec §4.6 step 3.
		d.settleSuccess(ctx, job, result, cost, start)
		return
	}

	decision := d.retry.Decide(job.RetryCount, job.MaxRetries, kind)
	tokensIn, tokensOut := result.Usage.InputTokens, result.Usage.OutputTokens

	switch decision.Action {
	case retrypolicy.ActionRetry:
		env := models.RetryEnvelope{JobID: job.ID, Attempt: job.RetryCount + 1, DueAt: decision.NextRetryAt}
		payload, marshalErr := json.Marshal(env)
		if marshalErr != nil {
			slog.Error("dispatcher: marshal retry envelope failed", "job_id", job.ID, "error", marshalErr)
			return
		}
		if pubErr := d.queue.Schedule(ctx, models.QueueDelayedRetry, payload, decision.NextRetryAt); pubErr != nil {
			slog.Error("dispatcher: schedule retry failed", "job_id", job.ID, "error", pubErr)
			return
		}
		if settleErr := d.jobs.SettleRetry(ctx, job.ID, tokensIn, tokensOut, cost, job.RetryCount+1, err.Error(), decision.NextRetryAt); settleErr != nil {
			slog.Error("dispatcher: settle retry failed", "job_id", job.ID, "error", settleErr)
		}
	case retrypolicy.ActionDeadLetter:
		env := models.DeadLetterEnvelope{JobID: job.ID, FinalError: err.Error(), Attempts: job.RetryCount + 1, RecordedAt: time.Now()}
		payload, marshalErr := json.Marshal(env)
		if marshalErr != nil {
			slog.Error("dispatcher: marshal dead-letter envelope failed", "job_id", job.ID, "error", marshalErr)
			return
		}
		if pubErr := d.queue.Publish(ctx, models.QueueDeadLetter, payload); pubErr != nil {
			slog.Error("dispatcher: publish dead-letter failed", "job_id", job.ID, "error", pubErr)
			return
		}
		if settleErr := d.jobs.SettleDeadLetter(ctx, job.ID, tokensIn, tokensOut, cost, decision.Reason, err.Error()); settleErr != nil {
			slog.Error("dispatcher: settle dead-letter failed", "job_id", job.ID, "error", settleErr)
		}
	}
}

// scheduleOutcome applies Retry Policy directly to a synthetic classified
// error without having run the job at all (spec §4.7 step 3's denied-admit
// branch; sandbox-start failures come back from the runner and go through
// settleFailure in execute). No status transition to
// running ever happened, so job.RetryCount/usage are untouched here beyond
// what SettleRetry/SettleDeadLetter themselves add (zero tokens).
func (d *Dispatcher) scheduleOutcome(ctx context.Context, job *models.Job, kind models.ErrorKind, cause error) {
	d.settleFailure(ctx, job, agentloop.Result{}, 0, models.Classify(kind, cause), time.Now())
}

// claimAgent picks a compatible idle agent for job, preferring its
// advisory pre-assignment but falling back to any idle agent of the same
// type, per spec §9 ("advisory... never a hard constraint"). Returns ""
// when no agent is available; the job still runs using job.Provider/Model
// directly since agent binding here is bookkeeping, not a hard dependency.
func (d *Dispatcher) claimAgent(ctx context.Context, job *models.Job) string {
	if job.AssignedAgentID != "" {
		if agent, err := d.agents.Get(ctx, job.AssignedAgentID); err == nil && agent.Status == models.AgentStatusIdle {
			if err := d.agents.SetBusy(ctx, agent.ID, job.ID); err == nil {
				return agent.ID
			}
		}
	}

	candidates, err := d.agents.ListIdleByType(ctx, job.Type)
	if err != nil || len(candidates) == 0 {
		return ""
	}
	chosen := candidates[0]
	if err := d.agents.SetBusy(ctx, chosen.ID, job.ID); err != nil {
		return ""
	}
	return chosen.ID
}

func transcriptToLogs(transcript []provider.Message) string {
	var out string
	for _, m := range transcript {
		out += fmt.Sprintf("[%s] %s\n", m.Role, m.Content)
	}
	return out
}
