package config

import "fmt"

// Validator validates configuration comprehensively with clear error
// messages, same hand-rolled style as the teacher's pkg/config.Validator
// (no reflection-based tag validator is used anywhere in the pack; struct
// tags above are documentation, validation is explicit Go).
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every section's validation, fail-fast.
func (v *Validator) ValidateAll() error {
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := v.validateBreaker(); err != nil {
		return fmt.Errorf("circuit breaker validation failed: %w", err)
	}
	if err := v.validateRetry(); err != nil {
		return fmt.Errorf("retry validation failed: %w", err)
	}
	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}
	if err := v.validatePrices(); err != nil {
		return fmt.Errorf("price table validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", fmt.Errorf("must be >= 1, got %d", q.WorkerCount))
	}
	if q.VisibilityTimeout <= 0 {
		return NewValidationError("queue", "visibility_timeout", fmt.Errorf("must be positive"))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *Validator) validateBreaker() error {
	b := v.cfg.Breaker
	if b.FailureThreshold < 1 {
		return NewValidationError("circuit_breaker", "failure_threshold", fmt.Errorf("must be >= 1"))
	}
	if b.OpenTimeout <= 0 {
		return NewValidationError("circuit_breaker", "open_timeout", fmt.Errorf("must be positive"))
	}
	if b.HalfOpenProbes < 1 {
		return NewValidationError("circuit_breaker", "half_open_probes", fmt.Errorf("must be >= 1"))
	}
	return nil
}

func (v *Validator) validateRetry() error {
	r := v.cfg.Retry
	if r.Base <= 0 {
		return NewValidationError("retry", "base", fmt.Errorf("must be positive"))
	}
	if r.Ceiling < r.Base {
		return NewValidationError("retry", "ceiling", fmt.Errorf("must be >= base"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return NewValidationError("retry", "jitter", fmt.Errorf("must be within [0,1], got %v", r.Jitter))
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d.Provider == "" {
		return NewValidationError("defaults", "provider", fmt.Errorf("must not be empty"))
	}
	if d.MaxIterations < 1 {
		return NewValidationError("defaults", "max_iterations", fmt.Errorf("must be >= 1"))
	}
	if d.MaxRetries < 0 {
		return NewValidationError("defaults", "max_retries", fmt.Errorf("must be >= 0"))
	}
	if _, err := v.cfg.Providers.Get(d.Provider); err != nil {
		return NewValidationError("defaults", "provider", fmt.Errorf("no provider config registered for default provider %q", d.Provider))
	}
	return nil
}

func (v *Validator) validatePrices() error {
	for _, p := range v.cfg.Prices {
		if p.Provider == "" || p.Model == "" {
			return NewValidationError("prices", "provider/model", fmt.Errorf("must not be empty"))
		}
		if p.PriceInUSD < 0 || p.PriceOutUSD < 0 {
			return NewValidationError("prices", fmt.Sprintf("%s/%s", p.Provider, p.Model), fmt.Errorf("prices must be non-negative"))
		}
	}
	return nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
