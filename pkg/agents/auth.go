package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/integrations"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/oauth"
	"github.com/umt-project/umt/pkg/store"
)

// refreshLead is how close to expiry the health sweep refreshes a token.
const refreshLead = 5 * time.Minute

// AuthAgent owns OAuth flows, platform integration setup and the background
// integration health monitor. For a given (brand, platform) pair setup,
// refresh and health checks serialize on a keyed mutex, and concurrent
// refresh attempts coalesce to a single in-flight exchange.
type AuthAgent struct {
	*agent.BaseAgent
	deps Deps

	locks   keyedMutex
	refresh singleflight.Group

	mu              sync.Mutex
	refreshFailures map[string]int // integration id → consecutive failed refreshes
}

// NewAuthAgent wires the auth agent's handlers, event subscriptions and the
// periodic health sweep.
func NewAuthAgent(deps Deps) *AuthAgent {
	a := &AuthAgent{
		BaseAgent:       agent.New(AuthAgentID, deps.Broker, runtimeConfig(deps), deps.logger()),
		deps:            deps,
		refreshFailures: make(map[string]int),
	}

	a.OnTask("authenticate_user", a.authenticateUser)
	a.OnTask("create_oauth_url", a.createOAuthURL)
	a.OnTask("setup_platform_integration", a.setupPlatformIntegration)
	a.OnTask("refresh_oauth_token", a.refreshOAuthToken)
	a.OnTask("check_integration_health", a.checkIntegrationHealth)
	a.OnTask("get_integration_status", a.getIntegrationStatus)

	a.OnEvent("integration.failure", a.onIntegrationFailure)

	a.Every("integration_health_sweep", runtimeConfig(deps).HealthCheckInterval, a.sweep)

	return a
}

func integrationKey(brandID, platform string) string {
	return brandID + "|" + strings.ToLower(platform)
}

// providerForPlatform maps an integration platform to its OAuth provider.
// Ad platforms authenticate through their parent provider.
func providerForPlatform(platform string) string {
	switch strings.ToLower(platform) {
	case "facebook_ads", "instagram":
		return "facebook"
	case "google_ads":
		return "google"
	default:
		return strings.ToLower(platform)
	}
}

func (a *AuthAgent) authenticateUser(ctx context.Context, msg *models.Message) models.Result {
	provider, err := requireString(msg.Payload, "provider")
	if err != nil {
		return models.Err(err)
	}
	code, err := requireString(msg.Payload, "auth_code")
	if err != nil {
		return models.Err(err)
	}
	redirectURI, err := requireString(msg.Payload, "redirect_uri")
	if err != nil {
		return models.Err(err)
	}

	token, err := a.deps.OAuth.Exchange(ctx, provider, redirectURI, code)
	if err != nil {
		return models.Err(err)
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       stringArg(msg.Payload, "user_id"),
		Action:       "user_authenticated",
		ResourceType: "oauth_provider",
		ResourceID:   provider,
		Agent:        a.ID(),
	})

	return models.Ok(map[string]any{
		"provider":    provider,
		"credentials": token.Credentials(),
		"token_type":  token.TokenType,
		"expires_at":  fmtTimePtr(token.ExpiresAt),
	})
}

func (a *AuthAgent) createOAuthURL(ctx context.Context, msg *models.Message) models.Result {
	provider, err := requireString(msg.Payload, "provider")
	if err != nil {
		return models.Err(err)
	}
	redirectURI, err := requireString(msg.Payload, "redirect_uri")
	if err != nil {
		return models.Err(err)
	}
	state := stringArg(msg.Payload, "state")
	if state == "" {
		state = uuid.New().String()
	}

	authURL, err := a.deps.OAuth.AuthCodeURL(provider, redirectURI, state)
	if err != nil {
		return models.Err(err)
	}
	return models.Ok(map[string]any{
		"provider":          provider,
		"authorization_url": authURL,
		"state":             state,
	})
}

func (a *AuthAgent) setupPlatformIntegration(ctx context.Context, msg *models.Message) models.Result {
	platform, err := requireString(msg.Payload, "platform")
	if err != nil {
		return models.Err(err)
	}
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	plain := stringMapArg(msg.Payload, "credentials")
	if len(plain) == 0 {
		return models.Errf(models.KindValidation, "credentials are required")
	}
	category, err := integrations.CategoryOf(platform)
	if err != nil {
		return models.Err(err)
	}
	expiresAt, err := timeArg(msg.Payload, "token_expires_at")
	if err != nil {
		return models.Err(err)
	}

	unlock := a.locks.lock(integrationKey(brandID, platform))

	sealed, err := a.deps.Cipher.EncryptMap(plain)
	if err != nil {
		unlock()
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	integ := &models.Integration{
		ID:             uuid.New().String(),
		BrandID:        brandID,
		Platform:       strings.ToLower(platform),
		Category:       category,
		Credentials:    sealed,
		HealthStatus:   models.HealthPending,
		TokenExpiresAt: expiresAt,
		CreatedBy:      stringArg(msg.Payload, "user_id"),
	}
	if err := a.deps.Store.Integrations.Create(ctx, integ); err != nil {
		unlock()
		if errors.Is(err, store.ErrAlreadyExists) {
			return models.Err(models.WrapTaskError(models.KindConflict, err))
		}
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	// Verify the credentials immediately so the caller always learns a real
	// health status, not just "pending".
	status := models.HealthPending
	rec, transitioned, checkErr := a.checkLocked(ctx, integ, plain)
	unlock()
	if checkErr != nil {
		a.Logger().WarnContext(ctx, "Initial health check failed",
			"integration_id", integ.ID, "error", checkErr)
	} else {
		status = rec.Status
	}
	if transitioned {
		a.onUnhealthyTransition(ctx, integ, rec.ErrorMessage, authError(rec))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       integ.CreatedBy,
		Action:       "integration_created",
		ResourceType: "integration",
		ResourceID:   integ.ID,
		NewState:     map[string]any{"platform": integ.Platform, "category": string(category)},
		Agent:        a.ID(),
	})

	return models.Ok(map[string]any{
		"integration_id": integ.ID,
		"brand_id":       brandID,
		"platform":       integ.Platform,
		"category":       string(category),
		"health_status":  string(status),
	})
}

func (a *AuthAgent) refreshOAuthToken(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	platform, err := requireString(msg.Payload, "platform")
	if err != nil {
		return models.Err(err)
	}

	plain, integ, err := a.refreshIntegration(ctx, brandID, platform)
	if err != nil {
		return models.Err(err)
	}
	return models.Ok(map[string]any{
		"integration_id": integ.ID,
		"provider":       providerForPlatform(platform),
		"credentials":    plain,
		"expires_at":     fmtTimePtr(integ.TokenExpiresAt),
	})
}

// refreshIntegration refreshes the OAuth token behind an integration and
// reseals the updated credentials. Concurrent calls for the same (brand,
// platform) share one refresh exchange.
func (a *AuthAgent) refreshIntegration(ctx context.Context, brandID, platform string) (map[string]string, *models.Integration, error) {
	type refreshed struct {
		plain map[string]string
		integ *models.Integration
	}

	key := integrationKey(brandID, platform)
	out, err, _ := a.refresh.Do(key, func() (any, error) {
		unlock := a.locks.lock(key)
		defer unlock()

		integ, err := a.deps.Store.Integrations.GetByBrandPlatform(ctx, brandID, platform)
		if err != nil {
			return nil, models.WrapTaskError(models.KindNotFound, err)
		}
		plain, err := a.deps.Cipher.DecryptMap(integ.Credentials)
		if err != nil {
			return nil, models.WrapTaskError(models.KindInternal, err)
		}

		current := oauth.TokenFromCredentials(plain, integ.TokenExpiresAt)
		token, err := a.deps.OAuth.Refresh(ctx, providerForPlatform(platform), current)
		if err != nil {
			return nil, err
		}

		// Keep non-OAuth fields (page ids, account ids) alongside the new
		// token material.
		for k, v := range token.Credentials() {
			plain[k] = v
		}
		sealed, err := a.deps.Cipher.EncryptMap(plain)
		if err != nil {
			return nil, models.WrapTaskError(models.KindInternal, err)
		}
		integ.Credentials = sealed
		integ.TokenExpiresAt = token.ExpiresAt
		if err := a.deps.Store.Integrations.UpdateCredentials(ctx, integ); err != nil {
			return nil, models.WrapTaskError(models.KindInternal, err)
		}

		a.clearRefreshFailures(integ.ID)

		recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
			Action:       "token_refreshed",
			ResourceType: "integration",
			ResourceID:   integ.ID,
			Agent:        a.ID(),
		})
		a.Logger().InfoContext(ctx, "Refreshed integration token",
			"integration_id", integ.ID, "platform", integ.Platform)

		return refreshed{plain: plain, integ: integ}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := out.(refreshed)
	return r.plain, r.integ, nil
}

func (a *AuthAgent) checkIntegrationHealth(ctx context.Context, msg *models.Message) models.Result {
	if boolArg(msg.Payload, "check_all") {
		integs, err := a.deps.Store.Integrations.List(ctx, "")
		if err != nil {
			return models.Err(models.WrapTaskError(models.KindInternal, err))
		}
		results := make([]map[string]any, 0, len(integs))
		for _, integ := range integs {
			rec, err := a.checkIntegration(ctx, integ)
			if err != nil {
				results = append(results, map[string]any{
					"integration_id": integ.ID, "error": err.Error(),
				})
				continue
			}
			results = append(results, healthRecordInfo(integ, rec))
		}
		return models.Ok(map[string]any{"checked": len(integs), "results": results})
	}

	integrationID, err := requireString(msg.Payload, "integration_id")
	if err != nil {
		return models.Err(err)
	}
	integ, err := a.deps.Store.Integrations.Get(ctx, integrationID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	rec, err := a.checkIntegration(ctx, integ)
	if err != nil {
		return models.Err(err)
	}
	return models.Ok(healthRecordInfo(integ, rec))
}

// checkIntegration serializes the health check against other operations on
// the same (brand, platform) pair. A transition into unhealthy is handled
// after the lock is released so the in-line token repair can take it.
func (a *AuthAgent) checkIntegration(ctx context.Context, integ *models.Integration) (*models.HealthCheckRecord, error) {
	unlock := a.locks.lock(integrationKey(integ.BrandID, integ.Platform))
	rec, transitioned, err := a.checkLocked(ctx, integ, nil)
	unlock()
	if err != nil {
		return nil, err
	}
	if transitioned {
		a.onUnhealthyTransition(ctx, integ, rec.ErrorMessage, authError(rec))
	}
	return rec, nil
}

// checkLocked runs one health check with the pair lock already held. plain
// may carry already-decrypted credentials to avoid a second decrypt. The
// second return reports a transition into unhealthy.
func (a *AuthAgent) checkLocked(ctx context.Context, integ *models.Integration, plain map[string]string) (*models.HealthCheckRecord, bool, error) {
	if plain == nil {
		var err error
		plain, err = a.deps.Cipher.DecryptMap(integ.Credentials)
		if err != nil {
			return nil, false, models.WrapTaskError(models.KindInternal, err)
		}
	}

	adapter, err := a.deps.Adapters.New(integ.Platform, integrations.Credentials(plain), nil)
	if err != nil {
		return nil, false, err
	}
	verdict := adapter.CheckHealth(ctx)

	rec := &models.HealthCheckRecord{
		IntegrationID:  integ.ID,
		CheckTime:      time.Now().UTC(),
		Status:         verdict.Status,
		ResponseTimeMS: verdict.ResponseTime.Milliseconds(),
		ErrorMessage:   verdict.ErrorMessage,
		Details:        verdict.Details,
	}
	if err := a.deps.Store.Integrations.RecordHealthCheck(ctx, integ.Category, rec); err != nil {
		return nil, false, models.WrapTaskError(models.KindInternal, err)
	}

	previous := integ.HealthStatus
	integ.HealthStatus = verdict.Status
	transitioned := verdict.Status == models.HealthUnhealthy && previous != models.HealthUnhealthy
	return rec, transitioned, nil
}

func authError(rec *models.HealthCheckRecord) bool {
	if rec.ErrorMessage == "auth_error" {
		return true
	}
	flagged, _ := rec.Details["auth_error"].(bool)
	return flagged
}

// onUnhealthyTransition emits the failure event and attempts one in-line
// repair: a token refresh for auth errors, a no-op otherwise.
func (a *AuthAgent) onUnhealthyTransition(ctx context.Context, integ *models.Integration, errorMessage string, isAuthError bool) {
	a.Logger().WarnContext(ctx, "Integration became unhealthy",
		"integration_id", integ.ID, "platform", integ.Platform, "error", errorMessage)

	if err := a.BroadcastEvent(ctx, "integration.failure", map[string]any{
		"integration_id":   integ.ID,
		"brand_id":         integ.BrandID,
		"platform":         integ.Platform,
		"error":            errorMessage,
		"repair_attempted": true,
	}); err != nil {
		a.Logger().ErrorContext(ctx, "Failed to broadcast integration failure",
			"integration_id", integ.ID, "error", err)
	}

	if !isAuthError {
		return
	}
	if _, _, err := a.refreshIntegration(ctx, integ.BrandID, integ.Platform); err != nil {
		a.Logger().WarnContext(ctx, "In-line token repair failed",
			"integration_id", integ.ID, "error", err)
		a.notifyFailure(ctx, integ.BrandID, integ.ID, integ.Platform, errorMessage)
		return
	}
	a.Logger().InfoContext(ctx, "In-line token repair succeeded", "integration_id", integ.ID)
}

func (a *AuthAgent) getIntegrationStatus(ctx context.Context, msg *models.Message) models.Result {
	if integrationID := stringArg(msg.Payload, "integration_id"); integrationID != "" {
		integ, err := a.deps.Store.Integrations.Get(ctx, integrationID)
		if err != nil {
			return models.Err(models.WrapTaskError(models.KindNotFound, err))
		}
		return models.Ok(integrationInfo(integ))
	}

	integs, err := a.deps.Store.Integrations.List(ctx, stringArg(msg.Payload, "brand_id"))
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	out := make([]map[string]any, 0, len(integs))
	for _, integ := range integs {
		out = append(out, integrationInfo(integ))
	}
	return models.Ok(map[string]any{"integrations": out, "count": len(out)})
}

// onIntegrationFailure reacts to failure events from any agent: attempt an
// automatic repair unless the emitter already did, then surface the failure
// to the brand's webhooks when it remains broken.
func (a *AuthAgent) onIntegrationFailure(ctx context.Context, msg *models.Message) error {
	brandID := stringArg(msg.Payload, "brand_id")
	platform := stringArg(msg.Payload, "platform")
	integrationID := stringArg(msg.Payload, "integration_id")

	if !boolArg(msg.Payload, "repair_attempted") && brandID != "" && platform != "" {
		if _, _, err := a.refreshIntegration(ctx, brandID, platform); err == nil {
			a.Logger().InfoContext(ctx, "Automatic repair succeeded",
				"integration_id", integrationID, "platform", platform)
			return nil
		}
	}

	a.notifyFailure(ctx, brandID, integrationID, platform, stringArg(msg.Payload, "error"))
	return nil
}

func (a *AuthAgent) notifyFailure(ctx context.Context, brandID, integrationID, platform, errorMessage string) {
	if a.deps.Webhooks == nil || brandID == "" {
		return
	}
	if _, err := a.deps.Webhooks.TriggerEvent(ctx, brandID, "integration.failure", map[string]any{
		"integration_id": integrationID,
		"platform":       platform,
		"error":          errorMessage,
	}); err != nil {
		a.Logger().ErrorContext(ctx, "Failed to notify integration failure",
			"integration_id", integrationID, "error", err)
	}
}

// sweep is the periodic monitor: proactively refresh tokens close to expiry,
// then health-check every integration. Refresh failures escalate per pair:
// the first consecutive failure degrades the integration, the second marks it
// unhealthy.
func (a *AuthAgent) sweep(ctx context.Context) {
	integs, err := a.deps.Store.Integrations.List(ctx, "")
	if err != nil {
		a.Logger().ErrorContext(ctx, "Health sweep failed to list integrations", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, integ := range integs {
		if integ.TokenExpiresAt != nil && integ.TokenExpiresAt.Before(now.Add(refreshLead)) {
			_, refreshed, err := a.refreshIntegration(ctx, integ.BrandID, integ.Platform)
			if err != nil {
				a.Logger().WarnContext(ctx, "Proactive token refresh failed",
					"integration_id", integ.ID, "error", err)
				// The failed refresh is this round's verdict for the pair; the
				// regular check would only thrash the stale credentials.
				a.escalateRefreshFailure(ctx, integ, err)
				continue
			}
			integ = refreshed
		}
		if _, err := a.checkIntegration(ctx, integ); err != nil {
			a.Logger().WarnContext(ctx, "Health check failed",
				"integration_id", integ.ID, "error", err)
		}
	}
	a.Logger().InfoContext(ctx, "Health sweep finished", "integrations", len(integs))
}

// escalateRefreshFailure records one failed proactive refresh. The first
// consecutive failure marks the integration degraded, the second unhealthy
// with the usual failure event. A successful refresh resets the ladder.
func (a *AuthAgent) escalateRefreshFailure(ctx context.Context, integ *models.Integration, refreshErr error) {
	failures := a.noteRefreshFailure(integ.ID)
	status := models.HealthDegraded
	if failures >= 2 {
		status = models.HealthUnhealthy
	}

	rec := &models.HealthCheckRecord{
		IntegrationID: integ.ID,
		CheckTime:     time.Now().UTC(),
		Status:        status,
		ErrorMessage:  "token_refresh_failed",
		Details: map[string]any{
			"refresh_error":        refreshErr.Error(),
			"consecutive_failures": failures,
		},
	}
	if err := a.deps.Store.Integrations.RecordHealthCheck(ctx, integ.Category, rec); err != nil {
		a.Logger().ErrorContext(ctx, "Failed to record refresh failure",
			"integration_id", integ.ID, "error", err)
	}

	previous := integ.HealthStatus
	integ.HealthStatus = status
	if status == models.HealthUnhealthy && previous != models.HealthUnhealthy {
		// The refresh itself was the repair attempt, so skip the in-line retry.
		a.onUnhealthyTransition(ctx, integ, "token_refresh_failed", false)
	}
}

func (a *AuthAgent) noteRefreshFailure(integrationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshFailures[integrationID]++
	return a.refreshFailures[integrationID]
}

func (a *AuthAgent) clearRefreshFailures(integrationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.refreshFailures, integrationID)
}

func integrationInfo(integ *models.Integration) map[string]any {
	return map[string]any{
		"integration_id":    integ.ID,
		"brand_id":          integ.BrandID,
		"platform":          integ.Platform,
		"category":          string(integ.Category),
		"health_status":     string(integ.HealthStatus),
		"last_health_check": fmtTimePtr(integ.LastHealthCheck),
		"token_expires_at":  fmtTimePtr(integ.TokenExpiresAt),
		"created_at":        integ.CreatedAt.Format(time.RFC3339),
	}
}

func healthRecordInfo(integ *models.Integration, rec *models.HealthCheckRecord) map[string]any {
	return map[string]any{
		"integration_id":   integ.ID,
		"platform":         integ.Platform,
		"status":           string(rec.Status),
		"response_time_ms": rec.ResponseTimeMS,
		"error_message":    rec.ErrorMessage,
		"checked_at":       rec.CheckTime.Format(time.RFC3339),
	}
}
