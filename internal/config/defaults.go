package config

import "time"

// DefaultQueueConfig returns the built-in queue tuning, used whenever
// dispatchd.yaml omits the `queue` section. Values mirror the Dispatcher
// and Queue Facade spec defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:           5,
		PollInterval:          2 * time.Second,
		VisibilityTimeout:     45 * time.Minute,
		DelayedPumpInterval:   10 * time.Second,
		OrphanReclaimInterval: time.Minute,
	}
}

// DefaultDefaults returns the built-in system-wide fallbacks.
func DefaultDefaults() *Defaults {
	return &Defaults{
		Provider:            "openai",
		Model:               "gpt-5",
		MaxIterations:       20,
		MaxRetries:          3,
		SandboxImage:        "dispatchd/sandbox:latest",
		SandboxWorkspaceDir: "/var/lib/dispatchd/workspaces",
	}
}

// DefaultBreakerConfig returns the built-in circuit breaker tuning, per
// spec §4.2: failure_threshold=5, open_timeout=60s, half_open_probe=1.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// DefaultRetryConfig returns the built-in retry delay tuning, per spec
// §4.3: base=60s, ceiling=480s, +/-15% jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Base:    60 * time.Second,
		Ceiling: 480 * time.Second,
		Jitter:  0.15,
	}
}
