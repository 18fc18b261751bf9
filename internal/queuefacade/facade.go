// Package queuefacade abstracts the external broker behind the
// publish/reserve/ack/schedule/due contract of spec §4.8. Redis lists give
// FIFO ordering for incoming and dead-letter; a sorted set gives due-time
// ordering for the delayed-retry queue.
package queuefacade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentforge/dispatchd/internal/models"
)

// ErrEmpty is returned by Reserve when no item is available.
var ErrEmpty = errors.New("queuefacade: queue empty")

// Facade is a Redis-backed implementation of the incoming/delayed-retry/
// dead-letter queue contract. One Facade instance is shared by every
// Dispatcher worker, same as the teacher's RedisTaskQueue sharing one
// *redis.Client across goroutines.
type Facade struct {
	client *redis.Client
}

// New wraps an already-connected redis client. The client may be shared.
func New(client *redis.Client) *Facade {
	return &Facade{client: client}
}

func listKey(queue models.QueueName) string        { return fmt.Sprintf("dispatchd:queue:%s:list", queue) }
func processingHash(queue models.QueueName) string  { return fmt.Sprintf("dispatchd:queue:%s:processing", queue) }
func processingDeadlines(queue models.QueueName) string {
	return fmt.Sprintf("dispatchd:queue:%s:processing:deadlines", queue)
}
func delayedKey(queue models.QueueName) string { return fmt.Sprintf("dispatchd:queue:%s:delayed", queue) }

// Publish appends payload to the tail of queue's FIFO list, per spec §4.8.
func (f *Facade) Publish(ctx context.Context, queue models.QueueName, payload []byte) error {
	if err := f.client.RPush(ctx, listKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("queuefacade: publish to %s: %w", queue, err)
	}
	return nil
}

// Reserve pops the head of queue's FIFO list and holds it under a receipt
// until Ack or until visibilityTimeout elapses, at which point
// ReclaimExpired redelivers it — the at-least-once guarantee spec §5 and
// §4.8 require ("multiple reservations of the same job id are possible").
// Returns ErrEmpty when the queue has nothing to reserve.
func (f *Facade) Reserve(ctx context.Context, queue models.QueueName, visibilityTimeout time.Duration) (receipt string, payload []byte, err error) {
	raw, err := f.client.LPop(ctx, listKey(queue)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, ErrEmpty
		}
		return "", nil, fmt.Errorf("queuefacade: reserve from %s: %w", queue, err)
	}

	receipt = uuid.NewString()
	deadline := time.Now().Add(visibilityTimeout)

	pipe := f.client.TxPipeline()
	pipe.HSet(ctx, processingHash(queue), receipt, raw)
	pipe.ZAdd(ctx, processingDeadlines(queue), redis.Z{Score: float64(deadline.Unix()), Member: receipt})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, fmt.Errorf("queuefacade: reserve bookkeeping for %s: %w", queue, err)
	}

	return receipt, raw, nil
}

// Ack releases a reservation, removing it from the processing set so
// ReclaimExpired never redelivers it.
func (f *Facade) Ack(ctx context.Context, queue models.QueueName, receipt string) error {
	pipe := f.client.TxPipeline()
	pipe.HDel(ctx, processingHash(queue), receipt)
	pipe.ZRem(ctx, processingDeadlines(queue), receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuefacade: ack %s on %s: %w", receipt, queue, err)
	}
	return nil
}

// ReclaimExpired redelivers every reservation on queue whose visibility
// timeout has elapsed, pushing the payload back onto the head of the FIFO
// list (priority redelivery) and clearing its reservation bookkeeping.
// Mirrors broker visibility-timeout redelivery; dispatcher.DelayedPump runs
// it for incoming on every tick.
func (f *Facade) ReclaimExpired(ctx context.Context, queue models.QueueName) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := f.client.ZRangeByScore(ctx, processingDeadlines(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queuefacade: scan expired on %s: %w", queue, err)
	}

	reclaimed := 0
	for _, receipt := range expired {
		raw, err := f.client.HGet(ctx, processingHash(queue), receipt).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Already acked concurrently; just drop the stale deadline entry.
				f.client.ZRem(ctx, processingDeadlines(queue), receipt)
				continue
			}
			return reclaimed, fmt.Errorf("queuefacade: load expired payload on %s: %w", queue, err)
		}

		pipe := f.client.TxPipeline()
		pipe.LPush(ctx, listKey(queue), raw)
		pipe.HDel(ctx, processingHash(queue), receipt)
		pipe.ZRem(ctx, processingDeadlines(queue), receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("queuefacade: redeliver %s on %s: %w", receipt, queue, err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// delayedEntry wraps a payload with a unique id so structurally identical
// RetryEnvelopes (same job id retried twice) don't collide as sorted-set
// members.
type delayedEntry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Schedule adds payload to queue's due-time-ordered sorted set, to be
// returned by Due once dueAt has passed.
func (f *Facade) Schedule(ctx context.Context, queue models.QueueName, payload []byte, dueAt time.Time) error {
	entry := delayedEntry{ID: uuid.NewString(), Payload: payload}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queuefacade: marshal delayed entry: %w", err)
	}
	if err := f.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(dueAt.Unix()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("queuefacade: schedule on %s: %w", queue, err)
	}
	return nil
}

// Due returns every payload scheduled on queue with due_at <= now, removing
// them from the delayed set atomically so no payload is returned twice.
// Callers are responsible for publishing the returned payloads onward
// (typically to `incoming`).
func (f *Facade) Due(ctx context.Context, queue models.QueueName, now time.Time) ([][]byte, error) {
	members, err := f.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queuefacade: scan due on %s: %w", queue, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := f.client.TxPipeline()
	removeArgs := make([]interface{}, len(members))
	for i, m := range members {
		removeArgs[i] = m
	}
	pipe.ZRem(ctx, delayedKey(queue), removeArgs...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queuefacade: remove due members on %s: %w", queue, err)
	}

	payloads := make([][]byte, 0, len(members))
	for _, m := range members {
		var entry delayedEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			return payloads, fmt.Errorf("queuefacade: unmarshal delayed entry: %w", err)
		}
		payloads = append(payloads, entry.Payload)
	}
	return payloads, nil
}

// Depth returns the number of items currently sitting in queue's FIFO list,
// for health reporting.
func (f *Facade) Depth(ctx context.Context, queue models.QueueName) (int64, error) {
	n, err := f.client.LLen(ctx, listKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuefacade: depth of %s: %w", queue, err)
	}
	return n, nil
}
