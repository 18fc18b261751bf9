package queuefacade

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"

	"github.com/agentforge/dispatchd/internal/models"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client)
}

func TestFacade_PublishReserveAck(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte(`{"job_id":"j1"}`)))

	receipt, payload, err := f.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, `{"job_id":"j1"}`, string(payload))
	assert.NotEmpty(t, receipt)

	require.NoError(t, f.Ack(ctx, models.QueueIncoming, receipt))

	depth, err := f.Depth(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestFacade_ReserveEmptyQueueReturnsErrEmpty(t *testing.T) {
	f := newTestFacade(t)
	_, _, err := f.Reserve(context.Background(), models.QueueIncoming, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFacade_FIFOOrderingPreserved(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte("first")))
	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte("second")))
	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte("third")))

	_, p1, err := f.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)
	_, p2, err := f.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)
	_, p3, err := f.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, []string{string(p1), string(p2), string(p3)})
}

func TestFacade_ReclaimExpiredRedeliversUnackedReservation(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte("payload")))
	_, _, err := f.Reserve(ctx, models.QueueIncoming, -1*time.Second) // already expired
	require.NoError(t, err)

	depthBefore, _ := f.Depth(ctx, models.QueueIncoming)
	assert.Equal(t, int64(0), depthBefore)

	n, err := f.ReclaimExpired(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depthAfter, _ := f.Depth(ctx, models.QueueIncoming)
	assert.Equal(t, int64(1), depthAfter)

	receipt, payload, err := f.Reserve(ctx, models.QueueIncoming, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(payload))
	require.NoError(t, f.Ack(ctx, models.QueueIncoming, receipt))
}

func TestFacade_ReclaimExpiredSkipsAlreadyAckedReservation(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, models.QueueIncoming, []byte("payload")))
	receipt, _, err := f.Reserve(ctx, models.QueueIncoming, -1*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.Ack(ctx, models.QueueIncoming, receipt))

	n, err := f.ReclaimExpired(ctx, models.QueueIncoming)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFacade_ScheduleAndDueOrdering(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, f.Schedule(ctx, models.QueueDelayedRetry, []byte("later"), base.Add(time.Hour)))
	require.NoError(t, f.Schedule(ctx, models.QueueDelayedRetry, []byte("sooner"), base.Add(-time.Minute)))

	due, err := f.Due(ctx, models.QueueDelayedRetry, base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sooner", string(due[0]))

	// Not due yet.
	due2, err := f.Due(ctx, models.QueueDelayedRetry, base)
	require.NoError(t, err)
	assert.Empty(t, due2)

	// Becomes due an hour later, and is returned exactly once.
	due3, err := f.Due(ctx, models.QueueDelayedRetry, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due3, 1)
	assert.Equal(t, "later", string(due3[0]))
}

func TestFacade_ScheduleAllowsDuplicateJobPayloads(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	base := time.Now()

	// Two retries of the same job produce structurally identical envelopes;
	// both must survive as distinct sorted-set entries.
	require.NoError(t, f.Schedule(ctx, models.QueueDelayedRetry, []byte(`{"job_id":"j1"}`), base.Add(-time.Minute)))
	require.NoError(t, f.Schedule(ctx, models.QueueDelayedRetry, []byte(`{"job_id":"j1"}`), base.Add(-time.Minute)))

	due, err := f.Due(ctx, models.QueueDelayedRetry, base)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}
