// Package apikeys issues and validates long-lived API keys and enforces
// per-key rate limits.
package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/store"
)

const (
	secretBytes        = 32
	saltBytes          = 16
	validationCacheTTL = 60 * time.Second
	rateWindowTTL      = 120 * time.Second
)

// tierLimits are the default per-minute request caps.
var tierLimits = map[models.APIKeyTier]int{
	models.TierFree:       60,
	models.TierStandard:   300,
	models.TierEnterprise: 1200,
}

// Service manages the API key lifecycle.
type Service struct {
	store  *store.APIKeyStore
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the key service. cache may be nil; validation caching and
// rate limiting then degrade gracefully.
func NewService(keyStore *store.APIKeyStore, c cache.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  keyStore,
		cache:  c,
		logger: logger.With("component", "apikeys"),
		now:    time.Now,
	}
}

// Create issues a new key. The returned plaintext "key_id.secret" is shown
// exactly once; only the salted hash persists.
func (s *Service) Create(ctx context.Context, brandID string, scopes []string, tier models.APIKeyTier, expiresAt *time.Time) (string, *models.APIKey, error) {
	if len(scopes) == 0 {
		return "", nil, models.NewTaskError(models.KindValidation, "api key needs at least one scope")
	}
	limit, ok := tierLimits[tier]
	if !ok {
		return "", nil, models.NewTaskError(models.KindValidation, "unknown tier %q", tier)
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("generate salt: %w", err)
	}

	secretHex := hex.EncodeToString(secret)
	saltHex := hex.EncodeToString(salt)

	key := &models.APIKey{
		KeyID:              "umt_" + uuid.NewString(),
		BrandID:            brandID,
		HashedSecret:       hashSecret(secretHex, saltHex),
		Salt:               saltHex,
		Scopes:             scopes,
		Tier:               tier,
		RateLimitPerMinute: limit,
		Active:             true,
		ExpiresAt:          expiresAt,
	}
	if err := s.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	s.logger.InfoContext(ctx, "Issued API key",
		"key_id", key.KeyID, "brand_id", brandID, "tier", tier)
	return key.KeyID + "." + secretHex, key, nil
}

// Validate authenticates a plaintext key and checks the required scope.
// Positive validations are cached for up to 60 s, so revocation can take
// that long to bite.
func (s *Service) Validate(ctx context.Context, plaintext, requiredScope string) (*models.APIKey, error) {
	keyID, secretHex, ok := strings.Cut(plaintext, ".")
	if !ok || keyID == "" || secretHex == "" {
		return nil, models.NewTaskError(models.KindAuth, "malformed api key")
	}

	if key := s.cachedValidation(ctx, keyID, secretHex); key != nil {
		if err := s.authorize(key, requiredScope); err != nil {
			return nil, err
		}
		return key, nil
	}

	key, err := s.store.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewTaskError(models.KindAuth, "unknown api key")
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare(
		[]byte(hashSecret(secretHex, key.Salt)),
		[]byte(key.HashedSecret)) != 1 {
		return nil, models.NewTaskError(models.KindAuth, "invalid api key secret")
	}
	if err := s.authorize(key, requiredScope); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.store.TouchLastUsed(ctx, keyID, now); err != nil {
		s.logger.WarnContext(ctx, "Failed to stamp last_used_at", "key_id", keyID, "error", err)
	}
	key.LastUsedAt = &now

	s.cacheValidation(ctx, key, secretHex)
	return key, nil
}

// authorize checks liveness and scope on an authenticated key.
func (s *Service) authorize(key *models.APIKey, requiredScope string) error {
	if !key.Active {
		return models.NewTaskError(models.KindAuth, "api key is revoked")
	}
	if key.Expired(s.now()) {
		return models.NewTaskError(models.KindAuth, "api key is expired")
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return models.NewTaskError(models.KindForbidden, "api key lacks scope %q", requiredScope)
	}
	return nil
}

type cachedKey struct {
	Key        *models.APIKey `json:"key"`
	SecretHash string         `json:"secret_hash"`
}

func validationCacheKey(keyID string) string {
	return "apikey:valid:" + keyID
}

func (s *Service) cachedValidation(ctx context.Context, keyID, secretHex string) *models.APIKey {
	if s.cache == nil {
		return nil
	}
	var entry cachedKey
	if err := cache.GetJSON(ctx, s.cache, validationCacheKey(keyID), &entry); err != nil {
		return nil
	}
	// The cached entry is only valid for the same presented secret.
	if subtle.ConstantTimeCompare(
		[]byte(hashSecret(secretHex, entry.Key.Salt)),
		[]byte(entry.SecretHash)) != 1 {
		return nil
	}
	return entry.Key
}

func (s *Service) cacheValidation(ctx context.Context, key *models.APIKey, secretHex string) {
	if s.cache == nil {
		return
	}
	entry := cachedKey{Key: key, SecretHash: hashSecret(secretHex, key.Salt)}
	if err := cache.SetJSON(ctx, s.cache, validationCacheKey(key.KeyID), entry, validationCacheTTL); err != nil {
		s.logger.WarnContext(ctx, "Failed to cache validation", "key_id", key.KeyID, "error", err)
	}
}

// Revoke deactivates a key and drops its validation cache entry.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if err := s.store.Revoke(ctx, keyID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, validationCacheKey(keyID)); err != nil {
			s.logger.WarnContext(ctx, "Failed to evict validation cache", "key_id", keyID, "error", err)
		}
	}
	return nil
}

// CheckRateLimit admits or rejects one request against the key's per-minute
// window. When the cache backend is unreachable the limiter fails open and
// flags the verdict as disabled.
func (s *Service) CheckRateLimit(ctx context.Context, key *models.APIKey) models.RateLimitStatus {
	limit := key.RateLimitPerMinute
	status := models.RateLimitStatus{Allowed: true, Limit: limit, Remaining: limit}
	if limit <= 0 || s.cache == nil {
		status.Disabled = s.cache == nil
		return status
	}

	now := s.now().UTC()
	minute := now.Unix() / 60
	bucket := fmt.Sprintf("ratelimit:%s:%d", key.KeyID, minute)

	count, err := s.cache.Incr(ctx, bucket, rateWindowTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "Rate limiter cache unavailable, failing open",
			"key_id", key.KeyID, "error", err)
		status.Disabled = true
		return status
	}

	status.Current = int(count)
	status.Remaining = limit - int(count)
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	status.ResetAfter = time.Duration(60-now.Unix()%60) * time.Second
	status.Allowed = int(count) <= limit
	return status
}

func hashSecret(secretHex, saltHex string) string {
	sum := sha256.Sum256([]byte(secretHex + saltHex))
	return hex.EncodeToString(sum[:])
}
