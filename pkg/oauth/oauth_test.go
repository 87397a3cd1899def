package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := config.NewOAuthRegistry(nil)
	registry.Register(&config.OAuthProviderConfig{
		Name:         "testprov",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		Scopes:       []string{"scope.read"},
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	return NewClient(registry, server.Client(), nil), server
}

func tokenResponse(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestExchange(t *testing.T) {
	ctx := context.Background()

	t.Run("returns full token set", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
			assert.Equal(t, "the-code", r.Form.Get("code"))
			tokenResponse(w, map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		})

		tok, err := client.Exchange(ctx, "testprov", "https://app.test/callback", "the-code")
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok.AccessToken)
		assert.Equal(t, "refresh-1", tok.RefreshToken)
		require.NotNil(t, tok.ExpiresAt)
		assert.False(t, tok.Expired(time.Now()))
	})

	t.Run("rejected code maps to auth error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			tokenResponse(w, map[string]any{"error": "invalid_grant"})
		})

		_, err := client.Exchange(ctx, "testprov", "https://app.test/callback", "bad-code")
		assert.Equal(t, models.KindAuth, models.KindOf(err))
	})

	t.Run("provider outage maps to upstream error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.Exchange(ctx, "testprov", "https://app.test/callback", "code")
		assert.Equal(t, models.KindUpstream, models.KindOf(err))
	})

	t.Run("unknown provider maps to validation error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		_, err := client.Exchange(ctx, "nope", "https://app.test/callback", "code")
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps previous refresh token when provider omits one", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			tokenResponse(w, map[string]any{
				"access_token": "access-2",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		})

		tok, err := client.Refresh(ctx, "testprov", &Token{RefreshToken: "refresh-1"})
		require.NoError(t, err)
		assert.Equal(t, "access-2", tok.AccessToken)
		assert.Equal(t, "refresh-1", tok.RefreshToken)
	})

	t.Run("adopts rotated refresh token", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			tokenResponse(w, map[string]any{
				"access_token":  "access-3",
				"refresh_token": "refresh-2",
				"token_type":    "Bearer",
			})
		})

		tok, err := client.Refresh(ctx, "testprov", &Token{RefreshToken: "refresh-1"})
		require.NoError(t, err)
		assert.Equal(t, "refresh-2", tok.RefreshToken)
	})

	t.Run("missing refresh token fails without a network call", func(t *testing.T) {
		called := false
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

		_, err := client.Refresh(ctx, "testprov", &Token{})
		assert.Equal(t, models.KindAuth, models.KindOf(err))
		assert.False(t, called)
	})
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()

	t.Run("nil expiry never expires", func(t *testing.T) {
		tok := &Token{AccessToken: "a"}
		assert.False(t, tok.Expired(now))
	})

	t.Run("expiry at exactly now counts as expired", func(t *testing.T) {
		tok := &Token{AccessToken: "a", ExpiresAt: &now}
		assert.True(t, tok.Expired(now))
	})
}

func TestCredentialsRoundTrip(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	tok := &Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresAt:    &expiry,
	}

	fields := tok.Credentials()
	back := TokenFromCredentials(fields, &expiry)
	assert.Equal(t, tok, back)
}
