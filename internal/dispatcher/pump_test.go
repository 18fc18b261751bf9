package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/dispatchd/internal/models"
)

func TestDelayedPump_Tick_RepublishesDueEnvelopes(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	env := models.RetryEnvelope{JobID: "job-1", Attempt: 2, DueAt: time.Now().Add(-time.Minute)}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, queue.Schedule(ctx, models.QueueDelayedRetry, payload, env.DueAt))

	pump := NewDelayedPump(queue, time.Second)
	require.NoError(t, pump.tick(ctx))

	depth, err := queue.Depth(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	_, got, err := queue.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)
	var gotEnv models.JobEnvelope
	require.NoError(t, json.Unmarshal(got, &gotEnv))
	assert.Equal(t, "job-1", gotEnv.JobID)
	assert.Equal(t, 2, gotEnv.Attempt)
}

func TestDelayedPump_Tick_SkipsNotYetDue(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	env := models.RetryEnvelope{JobID: "job-2", Attempt: 1, DueAt: time.Now().Add(time.Hour)}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, queue.Schedule(ctx, models.QueueDelayedRetry, payload, env.DueAt))

	pump := NewDelayedPump(queue, time.Second)
	require.NoError(t, pump.tick(ctx))

	depth, err := queue.Depth(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

type redriveJobStore struct {
	job *models.Job
	reset bool
}

func (s *redriveJobStore) Get(_ context.Context, id string) (*models.Job, error) {
	if s.job == nil || s.job.ID != id {
		return nil, assertErr("not found")
	}
	cp := *s.job
	return &cp, nil
}

func (s *redriveJobStore) ResetForRedrive(_ context.Context, id string) error {
	s.reset = true
	s.job.Status = models.JobStatusPending
	s.job.RetryCount = 0
	return nil
}

func TestRedriver_Redrive_FindsAndResetsMatchingJob(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	other, err := json.Marshal(models.DeadLetterEnvelope{JobID: "other-job", FinalError: "boom"})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, models.QueueDeadLetter, other))

	target, err := json.Marshal(models.DeadLetterEnvelope{JobID: "job-dl", FinalError: "max retries"})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, models.QueueDeadLetter, target))

	jobs := &redriveJobStore{job: &models.Job{ID: "job-dl", Status: models.JobStatusDeadLetter, RetryCount: 3}}
	r := NewRedriver(queue, jobs)

	require.NoError(t, r.Redrive(ctx, "job-dl"))

	assert.True(t, jobs.reset)
	assert.Equal(t, models.JobStatusPending, jobs.job.Status)
	assert.Equal(t, 0, jobs.job.RetryCount)

	// the other dead-letter entry must have been restored
	dlDepth, err := queue.Depth(ctx, models.QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlDepth)

	incomingDepth, err := queue.Depth(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, int64(1), incomingDepth)
}

func TestRedriver_Redrive_NotFoundReturnsError(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)

	entry, err := json.Marshal(models.DeadLetterEnvelope{JobID: "unrelated"})
	require.NoError(t, err)
	require.NoError(t, queue.Publish(ctx, models.QueueDeadLetter, entry))

	jobs := &redriveJobStore{job: &models.Job{ID: "job-missing", Status: models.JobStatusDeadLetter}}
	r := NewRedriver(queue, jobs)

	err = r.Redrive(ctx, "job-missing")
	assert.ErrorIs(t, err, ErrJobNotInDeadLetter)

	// the unrelated entry must still be present, restored after the drain
	depth, err := queue.Depth(ctx, models.QueueDeadLetter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedriver_Redrive_RejectsNonDeadLetterJob(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	jobs := &redriveJobStore{job: &models.Job{ID: "job-live", Status: models.JobStatusRunning}}
	r := NewRedriver(queue, jobs)

	err := r.Redrive(ctx, "job-live")
	assert.Error(t, err)
}
