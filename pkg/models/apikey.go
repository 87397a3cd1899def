package models

import "time"

// APIKeyTier selects the default rate limit for a key.
type APIKeyTier string

const (
	TierFree       APIKeyTier = "free"
	TierStandard   APIKeyTier = "standard"
	TierEnterprise APIKeyTier = "enterprise"
)

// APIKey is a long-lived per-brand credential. Only the salted hash of the
// secret persists; the plaintext is returned exactly once at creation.
type APIKey struct {
	KeyID              string     `db:"key_id"`
	BrandID            string     `db:"brand_id"`
	HashedSecret       string     `db:"hashed_secret"`
	Salt               string     `db:"salt"`
	Scopes             []string   `db:"-"`
	Tier               APIKeyTier `db:"tier"`
	RateLimitPerMinute int        `db:"rate_limit_per_minute"`
	Active             bool       `db:"active"`
	ExpiresAt          *time.Time `db:"expires_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	CreatedAt          time.Time  `db:"created_at"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry. A key expiring at
// exactly now is treated as expired (fail closed).
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// RateLimitStatus is the verdict of a rate-limit check.
type RateLimitStatus struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Current    int           `json:"current"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"`
	// Disabled is set when no cache backend is reachable (fail-open).
	Disabled bool `json:"rate_limiting_disabled,omitempty"`
}
