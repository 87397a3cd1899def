package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/umt-project/umt/pkg/models"
)

// wordpressAdapter talks to the WordPress REST API using an application
// password. Credentials: site_url, username, app_password.
type wordpressAdapter struct {
	unsupported
	client *httpClient
}

func newWordPressAdapter(client *httpClient) *wordpressAdapter {
	return &wordpressAdapter{client: client}
}

func wordpressAuth(req *http.Request, creds Credentials) {
	req.SetBasicAuth(creds["username"], creds["app_password"])
}

func (a *wordpressAdapter) Platform() string                  { return "wordpress" }
func (a *wordpressAdapter) Category() models.PlatformCategory { return models.CategoryCMS }

func (a *wordpressAdapter) siteURL() string {
	return strings.TrimSuffix(a.client.credentials()["site_url"], "/")
}

func (a *wordpressAdapter) postsURL(id string) string {
	base := a.siteURL() + "/wp-json/wp/v2/posts"
	if id != "" {
		return base + "/" + url.PathEscape(id)
	}
	return base
}

func (a *wordpressAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	return a.createPost(ctx, req, "publish", nil)
}

func (a *wordpressAdapter) Schedule(ctx context.Context, req *Request) (*PublishResult, error) {
	if req.ScheduleAt == nil {
		return nil, models.NewTaskError(models.KindValidation, "schedule requires a time")
	}
	return a.createPost(ctx, req, "future", req.ScheduleAt)
}

func (a *wordpressAdapter) createPost(ctx context.Context, req *Request, status string, at *time.Time) (*PublishResult, error) {
	payload := map[string]any{
		"title":   req.Title,
		"content": req.Body,
		"status":  status,
	}
	if at != nil {
		payload["date_gmt"] = at.UTC().Format(time.RFC3339)
	}
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.postsURL(""), payload)
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID:  stringField(resp.Body, "id"),
		URL:         stringField(resp.Body, "link"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *wordpressAdapter) Update(ctx context.Context, externalID string, req *Request) (*PublishResult, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.postsURL(externalID), map[string]any{
		"title":   req.Title,
		"content": req.Body,
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID: externalID,
		URL:        stringField(resp.Body, "link"),
	}, nil
}

func (a *wordpressAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet, a.postsURL(externalID), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *wordpressAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete, a.postsURL(externalID)+"?force=true", nil)
	return err
}

func (a *wordpressAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.siteURL()+"/wp-json/wp/v2/users/me")
}

// shopifyAdapter publishes content as Shopify pages via the Admin API.
// Credentials: shop_domain, access_token.
type shopifyAdapter struct {
	unsupported
	client *httpClient
}

const shopifyAPIVersion = "2024-01"

func newShopifyAdapter(client *httpClient) *shopifyAdapter {
	return &shopifyAdapter{client: client}
}

func shopifyAuth(req *http.Request, creds Credentials) {
	req.Header.Set("X-Shopify-Access-Token", creds["access_token"])
}

func (a *shopifyAdapter) Platform() string                  { return "shopify" }
func (a *shopifyAdapter) Category() models.PlatformCategory { return models.CategoryCMS }

func (a *shopifyAdapter) adminURL(path string) string {
	domain := strings.TrimSuffix(a.client.credentials()["shop_domain"], "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return fmt.Sprintf("%s/admin/api/%s/%s", domain, shopifyAPIVersion, path)
}

func (a *shopifyAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.adminURL("pages.json"), map[string]any{
		"page": map[string]any{
			"title":     req.Title,
			"body_html": req.Body,
			"published": true,
		},
	})
	if err != nil {
		return nil, err
	}
	page, _ := resp.Body["page"].(map[string]any)
	return &PublishResult{
		ExternalID:  stringField(page, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *shopifyAdapter) Update(ctx context.Context, externalID string, req *Request) (*PublishResult, error) {
	_, err := a.client.doJSON(ctx, http.MethodPut,
		a.adminURL("pages/"+url.PathEscape(externalID)+".json"), map[string]any{
			"page": map[string]any{
				"id":        externalID,
				"title":     req.Title,
				"body_html": req.Body,
			},
		})
	if err != nil {
		return nil, err
	}
	return &PublishResult{ExternalID: externalID}, nil
}

func (a *shopifyAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.adminURL("pages/"+url.PathEscape(externalID)+".json"), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *shopifyAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete,
		a.adminURL("pages/"+url.PathEscape(externalID)+".json"), nil)
	return err
}

func (a *shopifyAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.adminURL("shop.json"))
}
