// Package config loads dispatchd.yaml plus a .env file from a configurable
// directory into strongly-typed, validated settings, mirroring the
// teacher's pkg/config.Initialize flow: load, expand env vars, merge
// built-in defaults, validate, return ready-to-use config.
package config

import (
	"github.com/agentforge/dispatchd/internal/models"
)

// Config is the umbrella object returned by Initialize and threaded
// through cmd/dispatchd/main.go.
type Config struct {
	configDir string

	Defaults *Defaults
	Queue    *QueueConfig
	Breaker  *BreakerConfig
	Retry    *RetryConfig

	Providers *ProviderRegistry
	Prices    []models.PriceEntry
}

// ConfigDir returns the directory this config was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Stats summarizes loaded configuration for startup logging and health
// reporting, mirroring the teacher's ConfigStats.
type Stats struct {
	Providers int
	Prices    int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	return Stats{Providers: c.Providers.Len(), Prices: len(c.Prices)}
}
