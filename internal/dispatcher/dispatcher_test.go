package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/dispatchd/internal/agentloop"
	"github.com/agentforge/dispatchd/internal/circuitbreaker"
	"github.com/agentforge/dispatchd/internal/costledger"
	"github.com/agentforge/dispatchd/internal/models"
	"github.com/agentforge/dispatchd/internal/provider"
	"github.com/agentforge/dispatchd/internal/queuefacade"
	"github.com/agentforge/dispatchd/internal/retrypolicy"
	"github.com/agentforge/dispatchd/internal/store"
)

// fakeJobStore is a stateful in-memory JobStore, grounded on the same
// hand-rolled-fake-over-interface pattern as the store package's poolStub,
// but stateful across calls since dispatcher scenario tests need to observe
// a job's full lifecycle rather than one scripted row.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobStore(jobs ...*models.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) TransitionToRunning(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrLocked
	}
	if j.Status != models.JobStatusPending {
		cp := *j
		return &cp, nil
	}
	now := time.Now()
	j.Status = models.JobStatusRunning
	j.StartedAt = &now
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) SettleSuccess(_ context.Context, id string, tokensIn, tokensOut int64, cost float64, result map[string]any, logs string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobStatusCompleted
	j.TokensIn += tokensIn
	j.TokensOut += tokensOut
	j.TokensTotal = j.TokensIn + j.TokensOut
	j.ActualCost += cost
	j.Result = result
	j.Logs = logs
	now := time.Now()
	j.CompletedAt = &now
	j.ActualDuration = duration
	return nil
}

func (s *fakeJobStore) SettleRetry(_ context.Context, id string, tokensIn, tokensOut int64, cost float64, retryCount int, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobStatusPending
	j.TokensIn += tokensIn
	j.TokensOut += tokensOut
	j.TokensTotal = j.TokensIn + j.TokensOut
	j.ActualCost += cost
	j.RetryCount = retryCount
	j.LastError = lastError
	j.NextRetryAt = &nextRetryAt
	return nil
}

func (s *fakeJobStore) SettleDeadLetter(_ context.Context, id string, tokensIn, tokensOut int64, cost float64, reason, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobStatusDeadLetter
	j.TokensIn += tokensIn
	j.TokensOut += tokensOut
	j.TokensTotal = j.TokensIn + j.TokensOut
	j.ActualCost += cost
	j.FailureReason = reason
	j.LastError = lastError
	return nil
}

func (s *fakeJobStore) SetBlocked(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = models.JobStatusBlocked
	j.FailureReason = reason
	return nil
}

func (s *fakeJobStore) ListByProjectInWindow(_ context.Context, projectID string, _, _ time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.ProjectID == projectID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeJobStore) snapshot(id string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[id]
	return &cp
}

type fakeProjectStore struct{ projects map[string]*models.Project }

func (s *fakeProjectStore) Get(_ context.Context, id string) (*models.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// fakeAgentStore has no agents registered; agent assignment is advisory per
// spec §9, so an empty pool must never block dispatch.
type fakeAgentStore struct{}

func (fakeAgentStore) Get(context.Context, string) (*models.Agent, error) { return nil, store.ErrNotFound }
func (fakeAgentStore) ListIdleByType(context.Context, models.JobType) ([]*models.Agent, error) {
	return nil, nil
}
func (fakeAgentStore) SetBusy(context.Context, string, string) error { return nil }
func (fakeAgentStore) SetIdle(context.Context, string) error         { return nil }

// fakeRunner returns a scripted (Result, error) pair, standing in for a
// live sandbox + provider call per job id.
type fakeRunner struct {
	result agentloop.Result
	err    error
	calls  int
}

func (f *fakeRunner) Run(context.Context, *models.Job) (agentloop.Result, error) {
	f.calls++
	return f.result, f.err
}

func newTestQueue(t *testing.T) *queuefacade.Facade {
	t.Helper()
	mr := miniredis.RunT(t)
	return queuefacade.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testPrices(t *testing.T) *costledger.Table {
	t.Helper()
	return costledger.NewTable([]models.PriceEntry{
		{Provider: "openai", Model: "gpt-5", PriceInUSD: 1, PriceOutUSD: 2},
	})
}

func publishJob(t *testing.T, q *queuefacade.Facade, jobID string) {
	t.Helper()
	payload, err := json.Marshal(models.JobEnvelope{JobID: jobID, Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, q.Publish(context.Background(), models.QueueIncoming, payload))
}

func baseJob(id string) *models.Job {
	return &models.Job{
		ID: id, ProjectID: "proj-1", Type: models.JobTypeImplement,
		Payload: map[string]any{"task": "fix the bug"}, Status: models.JobStatusPending,
		MaxRetries: 3, Provider: "openai", Model: "gpt-5",
	}
}

// Scenario 1: happy path — job runs to completion and is settled success.
func TestDispatcher_HappyPath(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-1")
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{result: agentloop.Result{
		Outcome: agentloop.OutcomeCompleted, Content: "done",
		Usage: provider.Usage{InputTokens: 100, OutputTokens: 50},
	}}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-1")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-1")
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.TokensIn)
	assert.Equal(t, int64(50), got.TokensOut)
	assert.InDelta(t, 0.0002, got.ActualCost, 0.0000001) // (100/1e6)*1 + (50/1e6)*2
	assert.Equal(t, 1, runner.calls)

	depth, err := queue.Depth(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

// Scenario 2: project budget already exceeded blocks the job without
// running it at all.
func TestDispatcher_BudgetBlock(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-2")
	budget := 1.0
	jobs := newFakeJobStore(job, &models.Job{
		ID: "spent", ProjectID: "proj-1", Status: models.JobStatusCompleted,
		ActualCost: 5.0, CompletedAt: timePtr(time.Now()),
	})
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1", BudgetAllocated: &budget}}}
	runner := &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeCompleted}}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-2")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-2")
	assert.Equal(t, models.JobStatusBlocked, got.Status)
	assert.Equal(t, "project budget exceeded", got.FailureReason)
	assert.Equal(t, 0, runner.calls)
}

// Scenario 3: a transient provider failure is retried, not dead-lettered.
func TestDispatcher_TransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-3")
	job.MaxRetries = 3
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{err: models.Classify(models.ErrKindProviderUnavailable, assertErr("upstream 503"))}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-3")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-3")
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.NextRetryAt)

	due, err := queue.Due(ctx, models.QueueDelayedRetry, time.Now().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

// Scenario 4: an open circuit denies admission before the row is ever
// claimed, and still schedules a retry (ProviderUnavailable is retriable).
func TestDispatcher_CircuitOpenDeniesBeforeClaim(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-4")
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeCompleted}}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-4")

	breaker := circuitbreaker.NewRegistry(circuitbreaker.DefaultParams())
	for i := 0; i < circuitbreaker.DefaultParams().FailureThreshold; i++ {
		breaker.Record("openai", circuitbreaker.Failure)
	}

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		breaker, retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-4")
	assert.Equal(t, models.JobStatusPending, got.Status, "denied admission must not transition status to running")
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, runner.calls, "the agent loop must never run while the breaker is open")
}

// Scenario 5: terminal failure at max retry budget moves the job to
// dead-letter and publishes a DeadLetterEnvelope.
func TestDispatcher_DeadLetterAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-5")
	job.RetryCount = 3
	job.MaxRetries = 3
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{err: models.Classify(models.ErrKindProviderUnavailable, assertErr("still failing"))}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-5")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-5")
	assert.Equal(t, models.JobStatusDeadLetter, got.Status)
	assert.Equal(t, "max_retries_exhausted", got.FailureReason)

	depth, err := queue.Depth(ctx, models.QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

// A run that ends on a truncated provider response (OutcomeTruncated) with
// usable partial content is settled as success, not failure.
func TestDispatcher_TruncatedOutputSettlesAsSuccess(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-6")
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{result: agentloop.Result{
		Outcome: agentloop.OutcomeTruncated, Content: "partial but usable output",
		Usage: provider.Usage{InputTokens: 10, OutputTokens: 5000},
	}}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-6")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	got := jobs.snapshot("job-6")
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "partial but usable output", got.Result["content"])
	assert.Equal(t, string(agentloop.OutcomeTruncated), got.Result["outcome"])
}

// Duplicate delivery of an already-progressed job is an idempotent no-op:
// it must not re-run the agent loop.
func TestDispatcher_DuplicateDeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	job := baseJob("job-7")
	job.Status = models.JobStatusRunning
	jobs := newFakeJobStore(job)
	projs := &fakeProjectStore{projects: map[string]*models.Project{"proj-1": {ID: "proj-1"}}}
	runner := &fakeRunner{result: agentloop.Result{Outcome: agentloop.OutcomeCompleted}}
	queue := newTestQueue(t)
	publishJob(t, queue, "job-7")

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), runner)

	require.NoError(t, d.pollAndProcess(ctx))

	assert.Equal(t, 0, runner.calls)
	assert.Equal(t, models.JobStatusRunning, jobs.snapshot("job-7").Status)
}

// No job in incoming reports ErrNoJobAvailable so the caller backs off.
func TestDispatcher_EmptyQueueReportsNoJobAvailable(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobStore()
	projs := &fakeProjectStore{projects: map[string]*models.Project{}}
	queue := newTestQueue(t)

	d := New("w1", DefaultConfig(), queue, jobs, projs, fakeAgentStore{},
		circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), &fakeRunner{})

	err := d.pollAndProcess(ctx)
	assert.ErrorIs(t, err, ErrNoJobAvailable)
}

func TestDispatcher_Health(t *testing.T) {
	d := New("w1", DefaultConfig(), newTestQueue(t), newFakeJobStore(), &fakeProjectStore{projects: map[string]*models.Project{}},
		fakeAgentStore{}, circuitbreaker.NewRegistry(circuitbreaker.DefaultParams()),
		retrypolicy.New(retrypolicy.DefaultParams(), nil), testPrices(t), &fakeRunner{})

	h := d.Health()
	assert.Equal(t, "w1", h.ID)
	assert.Equal(t, StatusIdle, h.Status)
}

func timePtr(t time.Time) *time.Time { return &t }

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
