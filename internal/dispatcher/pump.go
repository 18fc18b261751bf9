package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentforge/dispatchd/internal/models"
	"github.com/agentforge/dispatchd/internal/queuefacade"
)

// DelayedPump periodically scans the delayed-retry queue for due envelopes
// and republishes their job ids to incoming, per spec §4.7 ("a separate
// delayed-queue pump scans envelopes with due_at <= now"). Grounded on the
// teacher's orphan-detection background goroutine in pkg/queue/pool.go,
// generalized from a fixed orphan sweep to a due-time scan. Each tick also
// returns incoming reservations whose visibility timeout has elapsed to the
// head of incoming, via Facade.ReclaimExpired.
type DelayedPump struct {
	queue    *queuefacade.Facade
	interval time.Duration
}

// NewDelayedPump creates a pump that scans every interval.
func NewDelayedPump(queue *queuefacade.Facade, interval time.Duration) *DelayedPump {
	return &DelayedPump{queue: queue, interval: interval}
}

// Run blocks, scanning on a ticker until ctx is cancelled.
func (p *DelayedPump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				slog.Error("delayed pump: tick failed", "error", err)
			}
		}
	}
}

func (p *DelayedPump) tick(ctx context.Context) error {
	if n, err := p.queue.ReclaimExpired(ctx, models.QueueIncoming); err != nil {
		slog.Error("delayed pump: reclaim expired reservations failed", "error", err)
	} else if n > 0 {
		slog.Warn("delayed pump: redelivered expired reservations", "count", n)
	}

	due, err := p.queue.Due(ctx, models.QueueDelayedRetry, time.Now())
	if err != nil {
		return fmt.Errorf("scan due retries: %w", err)
	}
	for _, payload := range due {
		var env models.RetryEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Error("delayed pump: dropping malformed retry envelope", "error", err)
			continue
		}
		incomingPayload, err := json.Marshal(models.JobEnvelope{JobID: env.JobID, Attempt: env.Attempt})
		if err != nil {
			slog.Error("delayed pump: marshal incoming envelope failed", "job_id", env.JobID, "error", err)
			continue
		}
		if err := p.queue.Publish(ctx, models.QueueIncoming, incomingPayload); err != nil {
			slog.Error("delayed pump: republish failed", "job_id", env.JobID, "error", err)
		}
	}
	return nil
}

// Redriver supports admin-initiated dead-letter redrive: moving an envelope
// back to incoming and resetting retry_count, per spec §4.7. Dead-letter is
// a plain FIFO list (no lookup-by-job-id), so redrive does a bounded drain:
// it pops every entry present when the redrive starts (it does not stop at
// the target), drops the target job's envelopes, and republishes every other
// entry in its original order.
type Redriver struct {
	queue *queuefacade.Facade
	jobs  RedriveStore
}

// RedriveStore is the slice of *store.JobRepo a Redriver needs.
type RedriveStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	ResetForRedrive(ctx context.Context, id string) error
}

// NewRedriver creates a Redriver over queue and jobs.
func NewRedriver(queue *queuefacade.Facade, jobs RedriveStore) *Redriver {
	return &Redriver{queue: queue, jobs: jobs}
}

// ErrJobNotInDeadLetter is returned by Redrive when jobID was not found
// anywhere in the dead-letter queue's current contents.
var ErrJobNotInDeadLetter = fmt.Errorf("dispatcher: job not found in dead-letter queue")

// Redrive scans the dead-letter queue for jobID, resets its retry_count to
// zero and status back to pending, and republishes it to incoming. Every
// other dead-letter entry encountered during the scan is put back
// unchanged.
func (r *Redriver) Redrive(ctx context.Context, jobID string) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.JobStatusDeadLetter {
		return fmt.Errorf("dispatcher: job %s is not in dead-letter state (status=%s)", jobID, job.Status)
	}

	depth, err := r.queue.Depth(ctx, models.QueueDeadLetter)
	if err != nil {
		return fmt.Errorf("dead-letter depth: %w", err)
	}

	found := false
	var drained [][]byte
	for i := int64(0); i < depth; i++ {
		receipt, payload, rerr := r.queue.Reserve(ctx, models.QueueDeadLetter, time.Minute)
		if rerr != nil {
			break
		}
		if err := r.queue.Ack(ctx, models.QueueDeadLetter, receipt); err != nil {
			slog.Warn("redriver: ack during drain failed", "error", err)
		}

		var env models.DeadLetterEnvelope
		if json.Unmarshal(payload, &env) == nil && env.JobID == jobID {
			found = true
			continue
		}
		drained = append(drained, payload)
	}

	for _, payload := range drained {
		if err := r.queue.Publish(ctx, models.QueueDeadLetter, payload); err != nil {
			slog.Error("redriver: failed to restore dead-letter entry", "error", err)
		}
	}

	if !found {
		return ErrJobNotInDeadLetter
	}

	if err := r.resetAndRepublish(ctx, job); err != nil {
		return err
	}
	return nil
}

func (r *Redriver) resetAndRepublish(ctx context.Context, job *models.Job) error {
	if err := r.jobs.ResetForRedrive(ctx, job.ID); err != nil {
		return fmt.Errorf("reset job %s for redrive: %w", job.ID, err)
	}
	payload, err := json.Marshal(models.JobEnvelope{JobID: job.ID, Attempt: 0})
	if err != nil {
		return fmt.Errorf("marshal redrive envelope: %w", err)
	}
	if err := r.queue.Publish(ctx, models.QueueIncoming, payload); err != nil {
		return fmt.Errorf("publish redrive envelope: %w", err)
	}
	return nil
}
