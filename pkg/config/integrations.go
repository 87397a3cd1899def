package config

import (
	"fmt"
	"strings"
	"sync"
)

// PlatformLimits caps outbound traffic to one external platform.
type PlatformLimits struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	PostsPerDay     int `yaml:"posts_per_day"`
}

// IntegrationsYAML is the integrations.yaml file structure: per-platform
// outbound rate limits.
type IntegrationsYAML struct {
	Platforms map[string]PlatformLimits `yaml:"platforms"`
}

// defaultPlatformLimits applies when integrations.yaml omits a platform.
var defaultPlatformLimits = PlatformLimits{
	RequestsPerHour: 600,
	PostsPerDay:     50,
}

// IntegrationRegistry resolves per-platform limits (case-insensitive).
type IntegrationRegistry struct {
	mu        sync.RWMutex
	platforms map[string]PlatformLimits
}

// NewIntegrationRegistry builds a registry from parsed YAML limits.
func NewIntegrationRegistry(platforms map[string]PlatformLimits) *IntegrationRegistry {
	normalized := make(map[string]PlatformLimits, len(platforms))
	for name, limits := range platforms {
		normalized[strings.ToLower(name)] = limits
	}
	return &IntegrationRegistry{platforms: normalized}
}

// Limits returns the configured limits for platform, or the defaults.
func (r *IntegrationRegistry) Limits(platform string) PlatformLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limits, ok := r.platforms[strings.ToLower(platform)]; ok {
		return limits
	}
	return defaultPlatformLimits
}

// Len returns the number of explicitly configured platforms.
func (r *IntegrationRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.platforms)
}

// Validate rejects nonsensical limits.
func (y *IntegrationsYAML) Validate() error {
	for name, limits := range y.Platforms {
		if limits.RequestsPerHour < 0 || limits.PostsPerDay < 0 {
			return fmt.Errorf("platform %q: limits must not be negative", name)
		}
	}
	return nil
}
