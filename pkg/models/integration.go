package models

import "time"

// PlatformCategory groups integration platforms by capability family.
type PlatformCategory string

const (
	CategorySocial      PlatformCategory = "social"
	CategoryCMS         PlatformCategory = "cms"
	CategoryAdvertising PlatformCategory = "advertising"
)

// HealthStatus is the lifecycle health of an integration.
type HealthStatus string

const (
	HealthPending   HealthStatus = "pending"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// EncryptedField is a single credential field at rest: ciphertext plus the
// per-field salt used for key derivation. Plaintext never persists.
type EncryptedField struct {
	Ciphertext string `json:"ciphertext" db:"-"`
	Salt       string `json:"salt" db:"-"`
	// Generation tags the master-key generation the field was sealed under,
	// enabling rotation by re-encryption.
	Generation int `json:"generation,omitempty"`
}

// Integration binds a (brand, platform) pair to stored credentials and an
// adapter. Created by the auth agent; mutated only by the background health
// monitor or explicit update tasks.
type Integration struct {
	ID              string                    `db:"integration_id"`
	BrandID         string                    `db:"brand_id"`
	Platform        string                    `db:"platform"`
	Category        PlatformCategory          `db:"category"`
	Credentials     map[string]EncryptedField `db:"-"`
	HealthStatus    HealthStatus              `db:"health_status"`
	LastHealthCheck *time.Time                `db:"last_health_check"`
	TokenExpiresAt  *time.Time                `db:"token_expires_at"`
	CreatedBy       string                    `db:"created_by"`
	CreatedAt       time.Time                 `db:"created_at"`
	UpdatedAt       time.Time                 `db:"updated_at"`
}

// HealthCheckRecord is one append-only row of integration health history.
type HealthCheckRecord struct {
	ID             int64          `db:"id"`
	IntegrationID  string         `db:"integration_id"`
	CheckTime      time.Time      `db:"check_time"`
	Status         HealthStatus   `db:"status"`
	ResponseTimeMS int64          `db:"response_time_ms"`
	ErrorMessage   string         `db:"error_message"`
	Details        map[string]any `db:"-"`
}
