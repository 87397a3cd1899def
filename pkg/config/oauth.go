package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// OAuthProviderConfig describes one OAuth provider: endpoints, scopes and
// the client credentials injected from the environment.
type OAuthProviderConfig struct {
	Name         string   `yaml:"name"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	ClientID     string   `yaml:"-"`
	ClientSecret string   `yaml:"-"`
}

// Endpoint converts the provider config to an oauth2 endpoint.
func (p *OAuthProviderConfig) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}
}

// OAuth2Config builds the oauth2 client config for a redirect URI.
func (p *OAuthProviderConfig) OAuth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       p.Scopes,
	}
}

// builtinProviders is the compiled endpoint table. Providers appear in the
// registry only when their client credentials exist in the environment.
var builtinProviders = []OAuthProviderConfig{
	{
		Name:     "google",
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"openid", "email", "profile"},
	},
	{
		Name:     "facebook",
		AuthURL:  "https://www.facebook.com/v18.0/dialog/oauth",
		TokenURL: "https://graph.facebook.com/v18.0/oauth/access_token",
		Scopes:   []string{"pages_manage_posts", "pages_read_engagement", "ads_management"},
	},
	{
		Name:     "linkedin",
		AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
		Scopes:   []string{"w_member_social", "r_liteprofile"},
	},
	{
		Name:     "twitter",
		AuthURL:  "https://twitter.com/i/oauth2/authorize",
		TokenURL: "https://api.twitter.com/2/oauth2/token",
		Scopes:   []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
	},
}

// OAuthRegistry holds the configured OAuth providers, keyed by name.
type OAuthRegistry struct {
	mu        sync.RWMutex
	providers map[string]*OAuthProviderConfig
}

// NewOAuthRegistry builds a registry from the builtin endpoint table plus
// any user-defined providers, picking up <PROVIDER>_CLIENT_ID and
// <PROVIDER>_CLIENT_SECRET from the environment. Providers without
// credentials are skipped.
func NewOAuthRegistry(extra []OAuthProviderConfig) *OAuthRegistry {
	reg := &OAuthRegistry{providers: make(map[string]*OAuthProviderConfig)}

	candidates := make([]OAuthProviderConfig, 0, len(builtinProviders)+len(extra))
	candidates = append(candidates, builtinProviders...)
	candidates = append(candidates, extra...)

	for i := range candidates {
		p := candidates[i]
		envKey := strings.ToUpper(p.Name)
		p.ClientID = os.Getenv(envKey + "_CLIENT_ID")
		p.ClientSecret = os.Getenv(envKey + "_CLIENT_SECRET")
		if p.ClientID == "" || p.ClientSecret == "" {
			continue
		}
		reg.providers[strings.ToLower(p.Name)] = &p
	}

	return reg
}

// Get returns the provider config by name (case-insensitive).
func (r *OAuthRegistry) Get(name string) (*OAuthProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("oauth provider %q not configured", name)
	}
	return p, nil
}

// Register adds or replaces a provider. Used by tests to install fakes.
func (r *OAuthRegistry) Register(p *OAuthProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name)] = p
}

// Names returns the configured provider names, sorted.
func (r *OAuthRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured providers.
func (r *OAuthRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
