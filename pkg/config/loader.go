package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// umtYAML is the umt.yaml file structure.
type umtYAML struct {
	Runtime        *RuntimeConfig        `yaml:"runtime"`
	Broker         *BrokerConfig         `yaml:"broker"`
	Uploads        *UploadConfig         `yaml:"uploads"`
	OAuthProviders []OAuthProviderConfig `yaml:"oauth_providers"`
}

var validate = validator.New()

// Initialize loads, merges and validates configuration from configDir.
//
// Steps performed:
//  1. Read umt.yaml and integrations.yaml (both optional)
//  2. Expand {{.ENV_VAR}} templates
//  3. Merge over compiled defaults
//  4. Build OAuth and integration registries
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	main, err := loadUMTYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("load umt.yaml: %w", err)
	}

	integrations, err := loadIntegrationsYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("load integrations.yaml: %w", err)
	}

	cfg := &Config{
		configDir: configDir,
		Runtime:   DefaultRuntimeConfig(),
		Broker:    DefaultBrokerConfig(),
		Uploads:   DefaultUploadConfig(),
	}

	applyOverrides(cfg, main)

	// Broker URL from environment wins over YAML; both may be templates.
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		cfg.Broker.URL = url
	}

	cfg.OAuthRegistry = NewOAuthRegistry(main.OAuthProviders)
	cfg.IntegrationRegistry = NewIntegrationRegistry(integrations.Platforms)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"oauth_providers", stats.OAuthProviders,
		"platforms", stats.Platforms)

	return cfg, nil
}

func loadUMTYAML(configDir string) (*umtYAML, error) {
	data, err := readExpanded(filepath.Join(configDir, "umt.yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &umtYAML{}, nil
		}
		return nil, err
	}
	var parsed umtYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &parsed, nil
}

func loadIntegrationsYAML(configDir string) (*IntegrationsYAML, error) {
	data, err := readExpanded(filepath.Join(configDir, "integrations.yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &IntegrationsYAML{}, nil
		}
		return nil, err
	}
	var parsed IntegrationsYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := parsed.Validate(); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func readExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ExpandEnv(data), nil
}

// applyOverrides copies non-zero YAML values over the compiled defaults.
func applyOverrides(cfg *Config, y *umtYAML) {
	if y.Runtime != nil {
		if y.Runtime.HandlerPoolSize > 0 {
			cfg.Runtime.HandlerPoolSize = y.Runtime.HandlerPoolSize
		}
		if y.Runtime.ResponseTimeout > 0 {
			cfg.Runtime.ResponseTimeout = y.Runtime.ResponseTimeout
		}
		if y.Runtime.DrainGrace > 0 {
			cfg.Runtime.DrainGrace = y.Runtime.DrainGrace
		}
		if y.Runtime.BreakerFailureThreshold > 0 {
			cfg.Runtime.BreakerFailureThreshold = y.Runtime.BreakerFailureThreshold
		}
		if y.Runtime.BreakerWindow > 0 {
			cfg.Runtime.BreakerWindow = y.Runtime.BreakerWindow
		}
		if y.Runtime.BreakerOpenFor > 0 {
			cfg.Runtime.BreakerOpenFor = y.Runtime.BreakerOpenFor
		}
		if y.Runtime.HealthCheckInterval > 0 {
			cfg.Runtime.HealthCheckInterval = y.Runtime.HealthCheckInterval
		}
		if y.Runtime.MonitoringInterval > 0 {
			cfg.Runtime.MonitoringInterval = y.Runtime.MonitoringInterval
		}
		if y.Runtime.StartStagger > 0 {
			cfg.Runtime.StartStagger = y.Runtime.StartStagger
		}
		if y.Runtime.StopBudget > 0 {
			cfg.Runtime.StopBudget = y.Runtime.StopBudget
		}
	}
	if y.Broker != nil {
		if y.Broker.URL != "" {
			cfg.Broker.URL = y.Broker.URL
		}
		if y.Broker.PublishRetries > 0 {
			cfg.Broker.PublishRetries = y.Broker.PublishRetries
		}
		if y.Broker.PublishBackoffMin > 0 {
			cfg.Broker.PublishBackoffMin = y.Broker.PublishBackoffMin
		}
		if y.Broker.PublishBackoffMax > 0 {
			cfg.Broker.PublishBackoffMax = y.Broker.PublishBackoffMax
		}
	}
	if y.Uploads != nil {
		if y.Uploads.Dir != "" {
			cfg.Uploads.Dir = y.Uploads.Dir
		}
		if y.Uploads.MaxLogoBytes > 0 {
			cfg.Uploads.MaxLogoBytes = y.Uploads.MaxLogoBytes
		}
		if len(y.Uploads.AllowedExtensions) > 0 {
			cfg.Uploads.AllowedExtensions = y.Uploads.AllowedExtensions
		}
	}
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg.Runtime); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker: url is required (set RABBITMQ_URL or broker.url)")
	}
	return nil
}
