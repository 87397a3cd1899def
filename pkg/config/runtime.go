package config

import "time"

// RuntimeConfig controls the agent runtime: dispatch concurrency, response
// correlation, circuit breaking and lifecycle timing.
type RuntimeConfig struct {
	// HandlerPoolSize bounds concurrent handler invocations per agent.
	// Broker prefetch (QoS) is capped to this value so saturation backs up
	// in the broker rather than in memory.
	HandlerPoolSize int `yaml:"handler_pool_size" validate:"gt=0"`

	// ResponseTimeout is the default wait for a correlated task response.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// DrainGrace is how long Stop waits for in-flight handlers before
	// cancelling them.
	DrainGrace time.Duration `yaml:"drain_grace"`

	// Circuit breaker settings, applied per (agent, handler).
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" validate:"gt=0"`
	BreakerWindow           time.Duration `yaml:"breaker_window"`
	BreakerOpenFor          time.Duration `yaml:"breaker_open_for"`

	// HealthCheckInterval drives the auth agent's integration sweep.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MonitoringInterval drives the ad manager's engagement sweep.
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`

	// StartStagger is the delay between agent starts, avoiding a
	// broker-connect thundering herd.
	StartStagger time.Duration `yaml:"start_stagger"`

	// StopBudget is the per-agent wait during supervisor shutdown.
	StopBudget time.Duration `yaml:"stop_budget"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		HandlerPoolSize:         32,
		ResponseTimeout:         30 * time.Second,
		DrainGrace:              10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerWindow:           60 * time.Second,
		BreakerOpenFor:          30 * time.Second,
		HealthCheckInterval:     time.Hour,
		MonitoringInterval:      time.Hour,
		StartStagger:            time.Second,
		StopBudget:              5 * time.Second,
	}
}

// BrokerConfig holds broker connection and retry settings.
type BrokerConfig struct {
	URL string `yaml:"url" validate:"required"`

	// Publish retry policy: capped exponential backoff.
	PublishRetries    int           `yaml:"publish_retries"`
	PublishBackoffMin time.Duration `yaml:"publish_backoff_min"`
	PublishBackoffMax time.Duration `yaml:"publish_backoff_max"`
}

// DefaultBrokerConfig returns the built-in broker defaults. The URL comes
// from RABBITMQ_URL at load time.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		PublishRetries:    5,
		PublishBackoffMin: 100 * time.Millisecond,
		PublishBackoffMax: 5 * time.Second,
	}
}

// UploadConfig controls brand logo storage.
type UploadConfig struct {
	// Dir is the root for logo files: {Dir}/logos/{brand_id}/{filename}.
	Dir string `yaml:"dir"`

	// MaxLogoBytes caps a single upload.
	MaxLogoBytes int64 `yaml:"max_logo_bytes"`

	// AllowedExtensions is the logo filename allow-list (lowercase, with dot).
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// DefaultUploadConfig returns the built-in upload defaults.
func DefaultUploadConfig() *UploadConfig {
	return &UploadConfig{
		Dir:               "/uploads",
		MaxLogoBytes:      10 << 20,
		AllowedExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp"},
	}
}
