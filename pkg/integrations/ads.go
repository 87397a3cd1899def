package integrations

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/umt-project/umt/pkg/models"
)

// facebookAdsAdapter manages campaigns on a Meta ad account. The publish
// verb family maps onto campaign objects. Credentials: access_token,
// ad_account_id.
type facebookAdsAdapter struct {
	unsupported
	client *httpClient
}

func newFacebookAdsAdapter(client *httpClient) *facebookAdsAdapter {
	return &facebookAdsAdapter{client: client}
}

func (a *facebookAdsAdapter) Platform() string                  { return "facebook_ads" }
func (a *facebookAdsAdapter) Category() models.PlatformCategory { return models.CategoryAdvertising }

func (a *facebookAdsAdapter) graphURL(path string) string {
	return apiBase(a.client.credentials(), "https://graph.facebook.com") + "/" + graphAPIVersion + "/" + path
}

func (a *facebookAdsAdapter) accountPath() string {
	return "act_" + a.client.credentials()["ad_account_id"]
}

// Publish creates a paused campaign; activation is an explicit Update so a
// budget never starts spending as a side effect of content publishing.
func (a *facebookAdsAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	payload := map[string]any{
		"name":      req.Title,
		"objective": metaString(req.Metadata, "objective", "OUTCOME_TRAFFIC"),
		"status":    "PAUSED",
	}
	if budget := metaString(req.Metadata, "daily_budget", ""); budget != "" {
		payload["daily_budget"] = budget
	}
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(a.accountPath()+"/campaigns"), payload)
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID:  stringField(resp.Body, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *facebookAdsAdapter) Update(ctx context.Context, externalID string, req *Request) (*PublishResult, error) {
	payload := map[string]any{}
	if req.Title != "" {
		payload["name"] = req.Title
	}
	if status := metaString(req.Metadata, "status", ""); status != "" {
		payload["status"] = status
	}
	_, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(url.PathEscape(externalID)), payload)
	if err != nil {
		return nil, err
	}
	return &PublishResult{ExternalID: externalID}, nil
}

// Fetch returns campaign insights for engagement monitoring.
func (a *facebookAdsAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.graphURL(url.PathEscape(externalID)+"/insights?fields=impressions,clicks,spend,actions"), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *facebookAdsAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete, a.graphURL(url.PathEscape(externalID)), nil)
	return err
}

func (a *facebookAdsAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.graphURL(a.accountPath()+"?fields=account_status"))
}

// googleAdsAdapter manages campaigns through the Google Ads REST surface.
// Credentials: access_token, customer_id, developer_token.
type googleAdsAdapter struct {
	unsupported
	client *httpClient
}

const googleAdsAPIVersion = "v16"

func newGoogleAdsAdapter(client *httpClient) *googleAdsAdapter {
	return &googleAdsAdapter{client: client}
}

func googleAdsAuth(req *http.Request, creds Credentials) {
	bearerAuth(req, creds)
	req.Header.Set("developer-token", creds["developer_token"])
}

func (a *googleAdsAdapter) Platform() string                  { return "google_ads" }
func (a *googleAdsAdapter) Category() models.PlatformCategory { return models.CategoryAdvertising }

func (a *googleAdsAdapter) customerURL(suffix string) string {
	base := apiBase(a.client.credentials(), "https://googleads.googleapis.com")
	return base + "/" + googleAdsAPIVersion + "/customers/" + a.client.credentials()["customer_id"] + suffix
}

func (a *googleAdsAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.customerURL("/campaigns:mutate"), map[string]any{
		"operations": []map[string]any{{
			"create": map[string]any{
				"name":                   req.Title,
				"status":                 "PAUSED",
				"advertisingChannelType": metaString(req.Metadata, "channel_type", "SEARCH"),
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	var externalID string
	if results, ok := resp.Body["results"].([]any); ok && len(results) > 0 {
		if first, ok := results[0].(map[string]any); ok {
			externalID = stringField(first, "resourceName")
		}
	}
	return &PublishResult{ExternalID: externalID, PublishedAt: time.Now().UTC()}, nil
}

func (a *googleAdsAdapter) Update(ctx context.Context, externalID string, req *Request) (*PublishResult, error) {
	update := map[string]any{"resourceName": externalID}
	paths := []string{}
	if req.Title != "" {
		update["name"] = req.Title
		paths = append(paths, "name")
	}
	if status := metaString(req.Metadata, "status", ""); status != "" {
		update["status"] = status
		paths = append(paths, "status")
	}
	_, err := a.client.doJSON(ctx, http.MethodPost, a.customerURL("/campaigns:mutate"), map[string]any{
		"operations": []map[string]any{{
			"update":     update,
			"updateMask": strings.Join(paths, ","),
		}},
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{ExternalID: externalID}, nil
}

// Fetch runs a metrics query for one campaign resource.
func (a *googleAdsAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.customerURL("/googleAds:search"), map[string]any{
		"query": "SELECT metrics.impressions, metrics.clicks, metrics.cost_micros " +
			"FROM campaign WHERE campaign.resource_name = '" + externalID + "'",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *googleAdsAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodPost, a.customerURL("/campaigns:mutate"), map[string]any{
		"operations": []map[string]any{{"remove": externalID}},
	})
	return err
}

func (a *googleAdsAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.customerURL(""))
}

func metaString(metadata map[string]any, key, def string) string {
	if metadata == nil {
		return def
	}
	if v, ok := metadata[key].(string); ok && v != "" {
		return v
	}
	return def
}
