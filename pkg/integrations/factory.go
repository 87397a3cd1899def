package integrations

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

// platformSpec binds a platform name to its category, auth scheme and
// constructor.
type platformSpec struct {
	category models.PlatformCategory
	auth     authFunc
	build    func(client *httpClient) Adapter
}

var platformSpecs = map[string]platformSpec{
	"wordpress": {models.CategoryCMS, wordpressAuth,
		func(c *httpClient) Adapter { return newWordPressAdapter(c) }},
	"shopify": {models.CategoryCMS, shopifyAuth,
		func(c *httpClient) Adapter { return newShopifyAdapter(c) }},
	"linkedin": {models.CategorySocial, bearerAuth,
		func(c *httpClient) Adapter { return newLinkedInAdapter(c) }},
	"twitter": {models.CategorySocial, bearerAuth,
		func(c *httpClient) Adapter { return newTwitterAdapter(c) }},
	"facebook": {models.CategorySocial, bearerAuth,
		func(c *httpClient) Adapter { return newFacebookAdapter(c) }},
	"instagram": {models.CategorySocial, bearerAuth,
		func(c *httpClient) Adapter { return newInstagramAdapter(c) }},
	"facebook_ads": {models.CategoryAdvertising, bearerAuth,
		func(c *httpClient) Adapter { return newFacebookAdsAdapter(c) }},
	"google_ads": {models.CategoryAdvertising, googleAdsAuth,
		func(c *httpClient) Adapter { return newGoogleAdsAdapter(c) }},
}

// CategoryOf resolves a platform name (case-insensitive) to its category.
func CategoryOf(platform string) (models.PlatformCategory, error) {
	spec, ok := platformSpecs[strings.ToLower(platform)]
	if !ok {
		return "", models.NewTaskError(models.KindValidation, "unsupported platform %q", platform)
	}
	return spec.category, nil
}

// SupportedPlatforms lists the known platform names, sorted.
func SupportedPlatforms() []string {
	names := make([]string, 0, len(platformSpecs))
	for name := range platformSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory builds adapters with the shared limits and transport.
type Factory struct {
	registry   *config.IntegrationRegistry
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFactory wires a factory. httpClient may be nil for the default 10 s
// timeout transport; tests pass an httptest client.
func NewFactory(registry *config.IntegrationRegistry, httpClient *http.Client, logger *slog.Logger) *Factory {
	return &Factory{registry: registry, httpClient: httpClient, logger: logger}
}

// New builds the adapter for a platform. refresh may be nil for platforms
// whose credentials never expire (API keys, application passwords).
func (f *Factory) New(platform string, creds Credentials, refresh RefreshFunc) (Adapter, error) {
	spec, ok := platformSpecs[strings.ToLower(platform)]
	if !ok {
		return nil, models.NewTaskError(models.KindValidation, "unsupported platform %q", platform)
	}

	client := newHTTPClient(strings.ToLower(platform), spec.category,
		f.registry.Limits(platform), creds, refresh, spec.auth, f.httpClient, f.logger)
	return spec.build(client), nil
}
