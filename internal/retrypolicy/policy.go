// Package retrypolicy decides whether a failed job should be retried or
// dead-lettered, and computes the retry delay, per spec §4.3.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentforge/dispatchd/internal/models"
)

// Params configures the delay computation. Defaults match spec §4.3 exactly.
type Params struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64 // randomization factor, e.g. 0.15 for +/-15%
}

// DefaultParams returns the spec-mandated defaults: base=60s, ceiling=480s,
// +/-15% jitter.
func DefaultParams() Params {
	return Params{Base: 60 * time.Second, Ceiling: 480 * time.Second, Jitter: 0.15}
}

// Action is the outcome of Decide.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

// Decision is the result of evaluating a failed job against retry policy.
type Decision struct {
	Action      Action
	Delay       time.Duration // valid when Action == ActionRetry
	NextRetryAt time.Time     // valid when Action == ActionRetry
	Reason      string        // set when Action == ActionDeadLetter
}

// Policy computes retry/dead-letter decisions using cenkalti/backoff's
// exponential-with-jitter math, the same style of jittered duration helper
// the teacher uses for its queue poll interval.
type Policy struct {
	params Params
	now    func() time.Time
}

// New creates a Policy. now defaults to time.Now; tests may override it.
func New(params Params, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{params: params, now: now}
}

// Decide evaluates one failed attempt. retryCount is the count BEFORE this
// failure (i.e. the number of attempts already retried); errKind classifies
// the failure per spec §7. Terminal error kinds (budget-exceeded,
// user-cancelled, validation, provider-rejected, max-iterations) are always
// dead-lettered regardless of retry budget.
func (p *Policy) Decide(retryCount, maxRetries int, errKind models.ErrorKind) Decision {
	if !errKind.Retriable() {
		return Decision{Action: ActionDeadLetter, Reason: string(errKind)}
	}
	if retryCount >= maxRetries {
		return Decision{Action: ActionDeadLetter, Reason: "max_retries_exhausted"}
	}

	delay := p.delayFor(retryCount)
	now := p.now()
	return Decision{
		Action:      ActionRetry,
		Delay:       delay,
		NextRetryAt: now.Add(delay),
	}
}

// delayFor computes min(base * 2^retryCount, ceiling) with +/-Jitter applied,
// via a one-shot cenkalti/backoff ExponentialBackOff configured so its first
// NextBackOff() call returns exactly that value.
func (p *Policy) delayFor(retryCount int) time.Duration {
	raw := float64(p.params.Base) * pow2(retryCount)
	if raw > float64(p.params.Ceiling) {
		raw = float64(p.params.Ceiling)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(raw)
	eb.RandomizationFactor = p.params.Jitter
	eb.Multiplier = 1 // single-shot: we already computed the exponential step
	eb.MaxInterval = p.params.Ceiling
	eb.MaxElapsedTime = 0 // never auto-expire; Dispatcher owns max_retries
	eb.Reset()

	d := eb.NextBackOff()
	if d == backoff.Stop {
		return time.Duration(raw)
	}
	if d > p.params.Ceiling {
		return p.params.Ceiling
	}
	return d
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
