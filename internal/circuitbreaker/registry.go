// Package circuitbreaker implements the per-provider CLOSED/OPEN/HALF_OPEN
// state machine described in spec §4.2. It is process-local, shared, and
// safe for concurrent use; state is never persisted and is rebuilt fresh on
// process start.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// Admission is the result of Admit.
type Admission string

const (
	Allowed Admission = "allowed"
	Denied  Admission = "denied"
)

// Outcome is reported to Record after a provider call completes.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// State mirrors models.CircuitStateName but is kept local to avoid an
// import cycle with the models package's plain data definition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Params configures one breaker cell. Defaults match spec §4.2 exactly.
type Params struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenProbes   int
}

// DefaultParams returns the spec-mandated defaults:
// failure_threshold=5, open_timeout=60s, half_open_probe=1.
func DefaultParams() Params {
	return Params{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// cell is one provider's breaker state, guarded by its own mutex so that
// providers do not contend with each other (spec §5: "each provider is an
// independent cell to minimize contention").
type cell struct {
	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight int
}

// Registry is the process-wide, mutex-guarded map of per-provider breaker
// cells described in spec §9 ("isolate it behind a small thread-safe
// façade rather than ambient globals, so tests can inject a fresh one").
type Registry struct {
	params Params

	mu    sync.RWMutex
	cells map[string]*cell
}

// NewRegistry creates a fresh registry. Tests should construct their own
// Registry rather than relying on a package-level singleton.
func NewRegistry(params Params) *Registry {
	return &Registry{params: params, cells: make(map[string]*cell)}
}

func (r *Registry) cellFor(provider string) *cell {
	r.mu.RLock()
	c, ok := r.cells[provider]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.cells[provider]; ok {
		return c
	}
	c = &cell{state: StateClosed}
	r.cells[provider] = c
	return c
}

// Admit decides whether a call to provider may proceed. Must be called
// before every provider request (spec §4.2).
func (r *Registry) Admit(provider string) Admission {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return Allowed
	case StateOpen:
		if time.Since(c.openedAt) >= r.params.OpenTimeout {
			c.state = StateHalfOpen
			c.halfOpenInFlight = 0
			slog.Info("circuit breaker transitioning to half-open", "provider", provider)
		} else {
			return Denied
		}
		fallthrough
	case StateHalfOpen:
		if c.halfOpenInFlight >= r.params.HalfOpenProbes {
			return Denied
		}
		c.halfOpenInFlight++
		return Allowed
	default:
		return Denied
	}
}

// Record reports the outcome of a call previously admitted via Admit.
func (r *Registry) Record(provider string, outcome Outcome) {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		if outcome == Success {
			c.consecutiveFails = 0
			return
		}
		c.consecutiveFails++
		if c.consecutiveFails >= r.params.FailureThreshold {
			c.state = StateOpen
			c.openedAt = time.Now()
			slog.Warn("circuit breaker opened", "provider", provider, "consecutive_failures", c.consecutiveFails)
		}
	case StateHalfOpen:
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		if outcome == Success {
			c.state = StateClosed
			c.consecutiveFails = 0
			slog.Info("circuit breaker closed after successful probe", "provider", provider)
		} else {
			c.state = StateOpen
			c.openedAt = time.Now()
			c.consecutiveFails = r.params.FailureThreshold
			slog.Warn("circuit breaker re-opened after failed probe", "provider", provider)
		}
	case StateOpen:
		// A call outcome arriving while open (e.g. a race with a timed-out
		// probe) does not change state further.
	}
}

// Snapshot returns the current state of a provider's cell for inspection
// (health checks, tests). Returns StateClosed for providers never seen.
func (r *Registry) Snapshot(provider string) (state State, consecutiveFails int, openedAt time.Time) {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.consecutiveFails, c.openedAt
}

// IsOpen reports whether provider's circuit is currently locked open,
// without mutating any breaker state or consuming a half-open probe slot.
// A caller that needs a cheap pre-check ahead of an expensive operation
// (e.g. claiming a job row) should use this instead of Admit, and leave
// the stateful Admit/Record pairing to the code making the real call —
// otherwise the pre-check itself consumes the single half-open probe and
// the real call is denied behind it, so the breaker can never close again.
func (r *Registry) IsOpen(provider string) bool {
	c := r.cellFor(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return false
	}
	return time.Since(c.openedAt) < r.params.OpenTimeout
}
