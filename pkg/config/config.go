// Package config loads and validates platform configuration: YAML files
// with environment expansion, compiled defaults, and registries for OAuth
// providers and integration rate limits.
package config

// Config is the umbrella configuration object returned by Initialize and
// threaded through the application.
type Config struct {
	configDir string

	Runtime *RuntimeConfig
	Broker  *BrokerConfig
	Uploads *UploadConfig

	OAuthRegistry       *OAuthRegistry
	IntegrationRegistry *IntegrationRegistry
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	OAuthProviders int
	Platforms      int
}

// Stats returns configuration statistics for boot logging.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.OAuthRegistry != nil {
		s.OAuthProviders = c.OAuthRegistry.Len()
	}
	if c.IntegrationRegistry != nil {
		s.Platforms = c.IntegrationRegistry.Len()
	}
	return s
}
