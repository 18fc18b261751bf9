package models

import "errors"

// ErrorKind tags the broad category of an error surfaced by any layer of the
// job lifecycle subsystem. The Dispatcher is the sole translator from
// ErrorKind to a lifecycle action (retry vs. dead-letter vs. block).
type ErrorKind string

// Error taxonomy, per spec §7. Retriable kinds may be retried up to
// max_retries; terminal kinds never are.
const (
	ErrKindValidation         ErrorKind = "validation_error"
	ErrKindBudgetExceeded     ErrorKind = "budget_exceeded"
	ErrKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrKindProviderRejected   ErrorKind = "provider_rejected"
	ErrKindSandboxStartFailed ErrorKind = "sandbox_start_failed"
	ErrKindSandboxTimeout     ErrorKind = "sandbox_timeout"
	ErrKindToolExecutionFailed ErrorKind = "tool_execution_failed"
	ErrKindMaxIterations      ErrorKind = "max_iterations_reached"
	ErrKindUserCancelled      ErrorKind = "user_cancelled"
	ErrKindUnknown            ErrorKind = "unknown"
)

// Retriable reports whether a job experiencing this error kind should be
// considered for retry at all (subject still to retry_count < max_retries).
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindProviderUnavailable, ErrKindSandboxStartFailed, ErrKindSandboxTimeout, ErrKindUnknown:
		return true
	default:
		return false
	}
}

// ClassifiedError pairs a Go error with its lifecycle-relevant kind.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (c *ClassifiedError) Error() string {
	if c.Err == nil {
		return string(c.Kind)
	}
	return c.Err.Error()
}

func (c *ClassifiedError) Unwrap() error { return c.Err }

// Classify wraps err with the given kind.
func Classify(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrKindUnknown when
// err was not produced via Classify.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindUnknown
}
