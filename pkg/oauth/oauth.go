// Package oauth wraps the authorization-code exchange and token refresh
// flows for the configured providers.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

// Token is the provider-neutral credential set stored per integration.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
}

// Expired reports whether the token is past its expiry. A token expiring at
// exactly now counts as expired.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Exchanger performs code exchange and refresh against a provider.
type Exchanger interface {
	AuthCodeURL(provider, redirectURI, state string) (string, error)
	Exchange(ctx context.Context, provider, redirectURI, code string) (*Token, error)
	Refresh(ctx context.Context, provider string, current *Token) (*Token, error)
}

// Client implements Exchanger over the provider registry using the oauth2
// package's transport.
type Client struct {
	registry   *config.OAuthRegistry
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds an OAuth client. httpClient may be nil to use a 10s
// default; tests point it at a local server.
func NewClient(registry *config.OAuthRegistry, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		registry:   registry,
		httpClient: httpClient,
		logger:     logger.With("component", "oauth"),
	}
}

// AuthCodeURL builds the provider's consent URL for the given state.
func (c *Client) AuthCodeURL(provider, redirectURI, state string) (string, error) {
	p, err := c.registry.Get(provider)
	if err != nil {
		return "", models.WrapTaskError(models.KindValidation, err)
	}
	return p.OAuth2Config(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, provider, redirectURI, code string) (*Token, error) {
	p, err := c.registry.Get(provider)
	if err != nil {
		return nil, models.WrapTaskError(models.KindValidation, err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := p.OAuth2Config(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError(err, "exchange authorization code")
	}

	c.logger.InfoContext(ctx, "Exchanged authorization code", "provider", provider)
	return fromOAuth2(tok, nil), nil
}

// Refresh obtains a fresh access token. Providers that omit the refresh
// token from the response keep the previous one, so a rotation gap never
// strands the integration.
func (c *Client) Refresh(ctx context.Context, provider string, current *Token) (*Token, error) {
	p, err := c.registry.Get(provider)
	if err != nil {
		return nil, models.WrapTaskError(models.KindValidation, err)
	}
	if current == nil || current.RefreshToken == "" {
		return nil, models.NewTaskError(models.KindAuth, "no refresh token available for %s", provider)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := p.OAuth2Config("").TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err, "refresh token")
	}

	c.logger.InfoContext(ctx, "Refreshed access token", "provider", provider)
	return fromOAuth2(tok, current), nil
}

func fromOAuth2(tok *oauth2.Token, previous *Token) *Token {
	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if out.RefreshToken == "" && previous != nil {
		out.RefreshToken = previous.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		out.ExpiresAt = &expiry
	}
	return out
}

// classifyTokenError maps oauth2 failures into the error taxonomy. A 4xx
// from the token endpoint means the grant is bad; anything else is the
// provider's problem.
func classifyTokenError(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return models.WrapTaskError(models.KindAuth, fmt.Errorf("%s rejected: %w", op, err))
		}
		return models.WrapTaskError(models.KindUpstream, fmt.Errorf("%s failed: %w", op, err))
	}
	return models.WrapTaskError(models.KindTransport, fmt.Errorf("%s unreachable: %w", op, err))
}

// TokenFromCredentials rebuilds a Token from decrypted credential fields.
func TokenFromCredentials(fields map[string]string, expiresAt *time.Time) *Token {
	return &Token{
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		TokenType:    fields["token_type"],
		ExpiresAt:    expiresAt,
	}
}

// Credentials flattens a Token into the credential fields sealed per
// integration.
func (t *Token) Credentials() map[string]string {
	out := map[string]string{
		"access_token": t.AccessToken,
	}
	if t.RefreshToken != "" {
		out["refresh_token"] = t.RefreshToken
	}
	if t.TokenType != "" {
		out["token_type"] = t.TokenType
	}
	return out
}
