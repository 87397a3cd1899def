package agents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/oauth"
)

// tokenEndpoint serves the OAuth token exchange with a canned response body.
func tokenEndpoint(t *testing.T, body string, delay time.Duration, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func registerProvider(e *env, name, tokenURL string) {
	e.deps.Config.OAuthRegistry.Register(&config.OAuthProviderConfig{
		Name:         name,
		AuthURL:      "https://auth.example/authorize",
		TokenURL:     tokenURL,
		ClientID:     "cid",
		ClientSecret: "csecret",
	})
}

func TestCreateOAuthURL(t *testing.T) {
	e := newEnv(t)
	registerProvider(e, "acmeauth", "https://auth.example/token")
	e.run(AuthAgentID)

	t.Run("caller state is passed through", func(t *testing.T) {
		resp := e.send(AuthAgentID, "create_oauth_url", map[string]any{
			"provider":     "acmeauth",
			"redirect_uri": "https://app.example/callback",
			"state":        "state-1",
		})
		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.Equal(t, "state-1", resp.Result["state"])
		assert.Contains(t, resp.Result["authorization_url"], "https://auth.example/authorize")
		assert.Contains(t, resp.Result["authorization_url"], "state=state-1")
	})

	t.Run("state is generated when absent", func(t *testing.T) {
		resp := e.send(AuthAgentID, "create_oauth_url", map[string]any{
			"provider":     "acmeauth",
			"redirect_uri": "https://app.example/callback",
		})
		require.Equal(t, models.StatusSuccess, resp.Status)
		state, _ := resp.Result["state"].(string)
		require.NotEmpty(t, state)
		assert.Contains(t, resp.Result["authorization_url"], "state="+state)
	})

	t.Run("unknown provider", func(t *testing.T) {
		resp := e.send(AuthAgentID, "create_oauth_url", map[string]any{
			"provider":     "myspace",
			"redirect_uri": "https://app.example/callback",
		})
		require.Equal(t, models.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "not configured")
	})

	t.Run("redirect_uri is required", func(t *testing.T) {
		resp := e.send(AuthAgentID, "create_oauth_url", map[string]any{"provider": "acmeauth"})
		require.Equal(t, models.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "redirect_uri is required")
	})
}

func TestAuthenticateUser(t *testing.T) {
	ts := tokenEndpoint(t,
		`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`, 0, nil)

	e := newEnv(t)
	registerProvider(e, "acmeauth", ts.URL)
	e.run(AuthAgentID)

	resp := e.send(AuthAgentID, "authenticate_user", map[string]any{
		"provider":     "acmeauth",
		"auth_code":    "code-1",
		"redirect_uri": "https://app.example/callback",
	})
	require.Equal(t, models.StatusSuccess, resp.Status)

	creds, ok := resp.Result["credentials"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "at-1", creds["access_token"])
	assert.Equal(t, "rt-1", creds["refresh_token"])
	assert.Equal(t, "Bearer", resp.Result["token_type"])
	assert.NotEmpty(t, resp.Result["expires_at"])
}

func TestSetupPlatformIntegration(t *testing.T) {
	wp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/wp-json/wp/v2/users/me" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":1,"name":"admin"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer wp.Close()

	creds := map[string]any{
		"site_url": wp.URL, "username": "admin", "app_password": "pw",
	}

	t.Run("creates the integration and verifies it immediately", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectExec(`INSERT INTO umt\.cms_accounts`).WillReturnResult(sqlmockResult(1))
		e.mock.ExpectBegin()
		e.mock.ExpectExec(`INSERT INTO umt\.integration_health`).WillReturnResult(sqlmockResult(1))
		e.mock.ExpectExec(`UPDATE umt\.cms_accounts SET health_status`).WillReturnResult(sqlmockResult(1))
		e.mock.ExpectCommit()
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "setup_platform_integration", map[string]any{
			"brand_id": "brand-1", "platform": "wordpress", "credentials": creds,
		})
		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.Equal(t, "cms", resp.Result["category"])
		assert.Equal(t, "healthy", resp.Result["health_status"])
		assert.NotEmpty(t, resp.Result["integration_id"])
		e.expectationsMet()
	})

	t.Run("duplicate pair is a conflict", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectExec(`INSERT INTO umt\.cms_accounts`).WillReturnError(uniqueViolation{})
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "setup_platform_integration", map[string]any{
			"brand_id": "brand-1", "platform": "wordpress", "credentials": creds,
		})
		require.Equal(t, models.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "already exists")
	})

	t.Run("unsupported platform", func(t *testing.T) {
		e := newEnv(t)
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "setup_platform_integration", map[string]any{
			"brand_id": "brand-1", "platform": "geocities",
			"credentials": map[string]any{"token": "x"},
		})
		require.Equal(t, models.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "unsupported platform")
	})

	t.Run("credentials are required", func(t *testing.T) {
		e := newEnv(t)
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "setup_platform_integration", map[string]any{
			"brand_id": "brand-1", "platform": "wordpress",
		})
		require.Equal(t, models.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "credentials are required")
	})
}

func TestRefreshOAuthToken(t *testing.T) {
	// The provider rotates the access token but omits the refresh token from
	// the response; the previous one must be kept.
	ts := tokenEndpoint(t, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`, 0, nil)

	e := newEnv(t)
	registerProvider(e, "linkedin", ts.URL)
	e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE brand_id`).
		WithArgs("brand-1", "linkedin").
		WillReturnRows(e.integrationRows("integ-1", "brand-1", "linkedin", map[string]string{
			"access_token":  "at-old",
			"refresh_token": "rt-1",
			"author_urn":    "urn:li:person:1",
		}, "healthy"))
	e.mock.ExpectExec(`UPDATE umt\.social_accounts SET credentials`).
		WillReturnResult(sqlmockResult(1))
	e.run(AuthAgentID)

	resp := e.send(AuthAgentID, "refresh_oauth_token", map[string]any{
		"brand_id": "brand-1", "platform": "linkedin",
	})
	require.Equal(t, models.StatusSuccess, resp.Status)

	creds, ok := resp.Result["credentials"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "at-2", creds["access_token"])
	assert.Equal(t, "rt-1", creds["refresh_token"], "omitted refresh token keeps the previous one")
	assert.Equal(t, "urn:li:person:1", creds["author_urn"], "non-oauth fields survive the refresh")
	assert.NotEmpty(t, resp.Result["expires_at"])
	e.expectationsMet()
}

func TestRefreshCoalescing(t *testing.T) {
	var hits atomic.Int64
	ts := tokenEndpoint(t, `{"access_token":"at-2","token_type":"Bearer"}`, 200*time.Millisecond, &hits)

	e := newEnv(t)
	registerProvider(e, "linkedin", ts.URL)
	e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE brand_id`).
		WithArgs("brand-1", "linkedin").
		WillReturnRows(e.integrationRows("integ-1", "brand-1", "linkedin", map[string]string{
			"access_token": "at-old", "refresh_token": "rt-1",
		}, "healthy"))
	e.mock.ExpectExec(`UPDATE umt\.social_accounts SET credentials`).
		WillReturnResult(sqlmockResult(1))

	// refreshIntegration needs no broker traffic, so the agent is not started.
	a := NewAuthAgent(e.deps)

	var wg sync.WaitGroup
	results := make([]string, 4)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			plain, _, err := a.refreshIntegration(context.Background(), "brand-1", "linkedin")
			require.NoError(t, err)
			results[i] = plain["access_token"]
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load(), "concurrent refreshes share one token exchange")
	for _, got := range results {
		assert.Equal(t, "at-2", got)
	}
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestGetIntegrationStatus(t *testing.T) {
	t.Run("lookup by id", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE integration_id`).
			WithArgs("integ-1").
			WillReturnRows(e.integrationRows("integ-1", "brand-1", "linkedin",
				map[string]string{"access_token": "at"}, "healthy"))
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "get_integration_status", map[string]any{
			"integration_id": "integ-1",
		})
		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.Equal(t, "linkedin", resp.Result["platform"])
		assert.Equal(t, "social", resp.Result["category"])
		assert.Equal(t, "healthy", resp.Result["health_status"])
	})

	t.Run("list by brand spans all categories", func(t *testing.T) {
		e := newEnv(t)
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE brand_id`).
			WithArgs("brand-1").
			WillReturnRows(e.integrationRows("integ-1", "brand-1", "linkedin",
				map[string]string{"access_token": "at"}, "healthy"))
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.cms_accounts WHERE brand_id`).
			WithArgs("brand-1").
			WillReturnRows(sqlmock.NewRows(integrationCols))
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.ad_accounts WHERE brand_id`).
			WithArgs("brand-1").
			WillReturnRows(sqlmock.NewRows(integrationCols))
		e.run(AuthAgentID)

		resp := e.send(AuthAgentID, "get_integration_status", map[string]any{
			"brand_id": "brand-1",
		})
		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.EqualValues(t, 1, resp.Result["count"])
		e.expectationsMet()
	})
}

// revokedExchanger refuses every refresh the way a provider does after the
// user revokes the grant.
type revokedExchanger struct{}

func (revokedExchanger) AuthCodeURL(string, string, string) (string, error) {
	return "", errors.New("not supported")
}

func (revokedExchanger) Exchange(context.Context, string, string, string) (*oauth.Token, error) {
	return nil, errors.New("not supported")
}

func (revokedExchanger) Refresh(context.Context, string, *oauth.Token) (*oauth.Token, error) {
	return nil, errors.New("invalid_grant: token revoked")
}

func TestRefreshFailureEscalation(t *testing.T) {
	e := newEnv(t)
	e.deps.OAuth = revokedExchanger{}

	expiring := func(health string) *sqlmock.Rows {
		now := time.Now().UTC()
		return sqlmock.NewRows(integrationCols).
			AddRow("integ-1", "brand-1", "linkedin",
				e.sealedCreds(map[string]string{"access_token": "at-stale", "refresh_token": "rt-1"}),
				health, nil, now.Add(time.Minute), "user-1", now, now)
	}

	// Two sweeps over a token about to expire, each listing everything and
	// attempting the refresh. The first failure persists degraded, the second
	// unhealthy.
	for _, health := range []string{"healthy", "degraded"} {
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts ORDER BY`).
			WillReturnRows(expiring(health))
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.cms_accounts ORDER BY`).
			WillReturnRows(sqlmock.NewRows(integrationCols))
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.ad_accounts ORDER BY`).
			WillReturnRows(sqlmock.NewRows(integrationCols))
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE brand_id`).
			WithArgs("brand-1", "linkedin").
			WillReturnRows(expiring(health))
		e.mock.ExpectBegin()
		e.mock.ExpectExec(`INSERT INTO umt\.integration_health`).WillReturnResult(sqlmockResult(1))
		e.mock.ExpectExec(`UPDATE umt\.social_accounts SET health_status`).WillReturnResult(sqlmockResult(1))
		e.mock.ExpectCommit()
	}
	// The failure event handler surfaces the second failure to the brand's
	// webhooks.
	e.mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks WHERE brand_id`).
		WithArgs("brand-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"webhook_id", "brand_id", "url", "events", "secret", "format", "active", "created_by", "created_at",
		}))

	failures := e.listen("integration.failure")
	a := NewAuthAgent(e.deps)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })

	a.sweep(context.Background())
	select {
	case payload := <-failures:
		t.Fatalf("first failed refresh must only degrade, got event %v", payload)
	case <-time.After(200 * time.Millisecond):
	}

	a.sweep(context.Background())
	select {
	case payload := <-failures:
		assert.Equal(t, "integ-1", payload["integration_id"])
		assert.Equal(t, "token_refresh_failed", payload["error"])
		assert.Equal(t, true, payload["repair_attempted"])
	case <-time.After(2 * time.Second):
		t.Fatal("second consecutive refresh failure was never broadcast")
	}
	e.expectationsMet()
}

func TestUnhealthyTransition(t *testing.T) {
	// One server plays both roles: the platform API rejects everything with
	// 401 and the token endpoint refuses the refresh grant.
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	e := newEnv(t)
	registerProvider(e, "linkedin", api.URL+"/token")

	row := func() *sqlmock.Rows {
		return e.integrationRows("integ-1", "brand-1", "linkedin", map[string]string{
			"access_token":  "at-stale",
			"refresh_token": "rt-1",
			"author_urn":    "urn:li:person:1",
			"api_base_url":  api.URL,
		}, "healthy")
	}

	e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE integration_id`).
		WithArgs("integ-1").
		WillReturnRows(row())
	e.mock.ExpectBegin()
	e.mock.ExpectExec(`INSERT INTO umt\.integration_health`).WillReturnResult(sqlmockResult(1))
	e.mock.ExpectExec(`UPDATE umt\.social_accounts SET health_status`).WillReturnResult(sqlmockResult(1))
	e.mock.ExpectCommit()
	// In-line repair probes the pair and fails at the token endpoint.
	e.mock.ExpectQuery(`SELECT .+ FROM umt\.social_accounts WHERE brand_id`).
		WithArgs("brand-1", "linkedin").
		WillReturnRows(row())
	// Failure notification looks the brand's webhooks up twice: once from the
	// failed in-line repair and once from the failure event handler.
	for i := 0; i < 2; i++ {
		e.mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks WHERE brand_id`).
			WithArgs("brand-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"webhook_id", "brand_id", "url", "events", "secret", "format", "active", "created_by", "created_at",
			}))
	}

	failures := e.listen("integration.failure")
	e.run(AuthAgentID)

	resp := e.send(AuthAgentID, "check_integration_health", map[string]any{
		"integration_id": "integ-1",
	})
	require.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "unhealthy", resp.Result["status"])
	assert.Equal(t, "auth_error", resp.Result["error_message"])

	select {
	case payload := <-failures:
		assert.Equal(t, "integ-1", payload["integration_id"])
		assert.Equal(t, true, payload["repair_attempted"])
	case <-time.After(2 * time.Second):
		t.Fatal("unhealthy transition was never broadcast")
	}
	e.expectationsMet()
}
