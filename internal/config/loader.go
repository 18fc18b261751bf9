package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentforge/dispatchd/internal/models"
)

// Initialize loads, validates, and returns ready-to-use configuration from
// configDir, mirroring the teacher's pkg/config.Initialize entry point:
// load dispatchd.yaml, expand env vars, merge built-in defaults, validate.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized", "providers", stats.Providers, "prices", stats.Prices)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "dispatchd.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(raw)

	var file FileConfig
	if err := yaml.Unmarshal(expanded, &file); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return buildConfig(configDir, file), nil
}

// buildConfig merges the loaded file against built-in defaults, same
// override-only-what's-set pattern as the teacher's mergeAgents/mergeMCPServers.
func buildConfig(configDir string, file FileConfig) *Config {
	defaults := DefaultDefaults()
	if file.Defaults != nil {
		mergeDefaults(defaults, file.Defaults)
	}

	queue := DefaultQueueConfig()
	if file.Queue != nil {
		mergeQueue(queue, file.Queue)
	}

	breaker := DefaultBreakerConfig()
	if file.Breaker != nil {
		mergeBreaker(breaker, file.Breaker)
	}

	retry := DefaultRetryConfig()
	if file.Retry != nil {
		mergeRetry(retry, file.Retry)
	}

	prices := make([]models.PriceEntry, 0, len(file.Prices))
	for _, p := range file.Prices {
		prices = append(prices, models.PriceEntry{
			Provider: p.Provider, Model: p.Model,
			PriceInUSD: p.PriceInUSD, PriceOutUSD: p.PriceOutUSD,
		})
	}

	return &Config{
		configDir: configDir,
		Defaults:  defaults,
		Queue:     queue,
		Breaker:   breaker,
		Retry:     retry,
		Providers: NewProviderRegistry(file.Providers),
		Prices:    prices,
	}
}

func mergeDefaults(dst, src *Defaults) {
	if src.Provider != "" {
		dst.Provider = src.Provider
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.MaxIterations > 0 {
		dst.MaxIterations = src.MaxIterations
	}
	if src.MaxRetries > 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.SandboxImage != "" {
		dst.SandboxImage = src.SandboxImage
	}
	if src.SandboxWorkspaceDir != "" {
		dst.SandboxWorkspaceDir = src.SandboxWorkspaceDir
	}
}

func mergeQueue(dst, src *QueueConfig) {
	if src.WorkerCount > 0 {
		dst.WorkerCount = src.WorkerCount
	}
	if src.PollInterval > 0 {
		dst.PollInterval = src.PollInterval
	}
	if src.VisibilityTimeout > 0 {
		dst.VisibilityTimeout = src.VisibilityTimeout
	}
	if src.DelayedPumpInterval > 0 {
		dst.DelayedPumpInterval = src.DelayedPumpInterval
	}
	if src.OrphanReclaimInterval > 0 {
		dst.OrphanReclaimInterval = src.OrphanReclaimInterval
	}
}

func mergeBreaker(dst, src *BreakerConfig) {
	if src.FailureThreshold > 0 {
		dst.FailureThreshold = src.FailureThreshold
	}
	if src.OpenTimeout > 0 {
		dst.OpenTimeout = src.OpenTimeout
	}
	if src.HalfOpenProbes > 0 {
		dst.HalfOpenProbes = src.HalfOpenProbes
	}
}

func mergeRetry(dst, src *RetryConfig) {
	if src.Base > 0 {
		dst.Base = src.Base
	}
	if src.Ceiling > 0 {
		dst.Ceiling = src.Ceiling
	}
	if src.Jitter > 0 {
		dst.Jitter = src.Jitter
	}
}
