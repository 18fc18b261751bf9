package models

import "time"

// CircuitStateName is one of the three breaker states.
type CircuitStateName string

// Circuit breaker states, per spec §4.2.
const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half-open"
)

// CircuitState is the per-provider breaker state. In-memory only; rebuilt on
// process start (never persisted).
type CircuitState struct {
	Provider           string
	State              CircuitStateName
	ConsecutiveFailures int
	OpenedAt           time.Time
}
