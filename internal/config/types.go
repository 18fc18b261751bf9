package config

import "time"

// FileConfig is the top-level shape of dispatchd.yaml: provider
// credentials/endpoints, price table, defaults, and queue tuning. Mirrors
// the teacher's split of tarsy.yaml (components) + llm-providers.yaml
// (credentials) collapsed into one file, since this system has far fewer
// component kinds than the teacher's agent/chain/MCP registries.
type FileConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Prices    []PriceConfig             `yaml:"prices"`
	Defaults  *Defaults                 `yaml:"defaults"`
	Queue     *QueueConfig              `yaml:"queue"`
	Breaker   *BreakerConfig            `yaml:"circuit_breaker"`
	Retry     *RetryConfig              `yaml:"retry"`
}

// ProviderConfig describes one LLM vendor endpoint, keyed by provider name
// in FileConfig.Providers (e.g. "openai", "anthropic").
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// PriceConfig is one entry of the cost table, per spec §3.
type PriceConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	PriceInUSD  float64 `yaml:"price_in_usd"`
	PriceOutUSD float64 `yaml:"price_out_usd"`
}

// Defaults holds system-wide fallbacks applied when a job or project does
// not specify its own values. MaxIterations is loaded and validated but not
// passed to the agent loop, which always runs with
// agentloop.DefaultMaxIterations.
type Defaults struct {
	Provider            string `yaml:"provider,omitempty"`
	Model               string `yaml:"model,omitempty"`
	MaxIterations       int    `yaml:"max_iterations,omitempty"`
	MaxRetries          int    `yaml:"max_retries,omitempty"`
	SandboxImage        string `yaml:"sandbox_image,omitempty"`
	SandboxWorkspaceDir string `yaml:"sandbox_workspace_dir,omitempty"`
}

// QueueConfig controls Dispatcher worker cadence, mirroring the teacher's
// pkg/config.QueueConfig shape (worker_count/poll_interval/session_timeout)
// generalized to this system's reserve/visibility-timeout model.
type QueueConfig struct {
	WorkerCount             int           `yaml:"worker_count"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	VisibilityTimeout       time.Duration `yaml:"visibility_timeout"`
	DelayedPumpInterval     time.Duration `yaml:"delayed_pump_interval"`
	OrphanReclaimInterval   time.Duration `yaml:"orphan_reclaim_interval"`
}

// BreakerConfig mirrors circuitbreaker.Params for YAML configurability.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

// RetryConfig mirrors retrypolicy.Params for YAML configurability.
type RetryConfig struct {
	Base    time.Duration `yaml:"base"`
	Ceiling time.Duration `yaml:"ceiling"`
	Jitter  float64       `yaml:"jitter"`
}
