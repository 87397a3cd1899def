package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// APIKeyStore persists API keys. Only the salted hash of a secret is ever
// written.
type APIKeyStore struct {
	db *database.Client
}

type apiKeyRow struct {
	KeyID              string     `db:"key_id"`
	BrandID            string     `db:"brand_id"`
	HashedSecret       string     `db:"hashed_secret"`
	Salt               string     `db:"salt"`
	Scopes             []byte     `db:"scopes"`
	Tier               string     `db:"tier"`
	RateLimitPerMinute int        `db:"rate_limit_per_minute"`
	Active             bool       `db:"active"`
	ExpiresAt          *time.Time `db:"expires_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	CreatedAt          time.Time  `db:"created_at"`
}

func (r apiKeyRow) toModel() (*models.APIKey, error) {
	scopes, err := unmarshalJSON[[]string](r.Scopes)
	if err != nil {
		return nil, err
	}
	return &models.APIKey{
		KeyID:              r.KeyID,
		BrandID:            r.BrandID,
		HashedSecret:       r.HashedSecret,
		Salt:               r.Salt,
		Scopes:             scopes,
		Tier:               models.APIKeyTier(r.Tier),
		RateLimitPerMinute: r.RateLimitPerMinute,
		Active:             r.Active,
		ExpiresAt:          r.ExpiresAt,
		LastUsedAt:         r.LastUsedAt,
		CreatedAt:          r.CreatedAt,
	}, nil
}

const apiKeyColumns = `key_id, brand_id, hashed_secret, salt, scopes, tier, rate_limit_per_minute, active, expires_at, last_used_at, created_at`

// Create inserts a key record.
func (s *APIKeyStore) Create(ctx context.Context, k *models.APIKey) error {
	scopes, err := marshalJSON(k.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO umt.api_keys (key_id, brand_id, hashed_secret, salt, scopes, tier, rate_limit_per_minute, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		k.KeyID, k.BrandID, k.HashedSecret, k.Salt, scopes, string(k.Tier),
		k.RateLimitPerMinute, k.Active, k.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("api key %s: %w", k.KeyID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Get fetches a key by its visible id prefix.
func (s *APIKeyStore) Get(ctx context.Context, keyID string) (*models.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+apiKeyColumns+` FROM umt.api_keys WHERE key_id = $1`, keyID)
	if err != nil {
		return nil, notFound(err, "api key", keyID)
	}
	return row.toModel()
}

// TouchLastUsed stamps a successful validation.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE umt.api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("touch api key %s: %w", keyID, err)
	}
	return nil
}

// Revoke deactivates a key.
func (s *APIKeyStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE umt.api_keys SET active = FALSE WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", keyID, ErrNotFound)
	}
	return nil
}
