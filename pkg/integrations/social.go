package integrations

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/umt-project/umt/pkg/models"
)

func bearerAuth(req *http.Request, creds Credentials) {
	req.Header.Set("Authorization", "Bearer "+creds["access_token"])
}

// apiBase returns the platform API root, overridable through the
// credential set so tests can point adapters at a local server.
func apiBase(creds Credentials, def string) string {
	if base := creds["api_base_url"]; base != "" {
		return base
	}
	return def
}

// linkedinAdapter posts UGC shares on behalf of a member or organization.
// Credentials: access_token, author_urn.
type linkedinAdapter struct {
	unsupported
	client *httpClient
}

func newLinkedInAdapter(client *httpClient) *linkedinAdapter {
	return &linkedinAdapter{client: client}
}

func (a *linkedinAdapter) Platform() string                  { return "linkedin" }
func (a *linkedinAdapter) Category() models.PlatformCategory { return models.CategorySocial }

func (a *linkedinAdapter) base() string {
	return apiBase(a.client.credentials(), "https://api.linkedin.com")
}

func (a *linkedinAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.base()+"/v2/ugcPosts", map[string]any{
		"author":         a.client.credentials()["author_urn"],
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]any{"text": req.Body},
				"shareMediaCategory": "NONE",
			},
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID:  stringField(resp.Body, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *linkedinAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.base()+"/v2/ugcPosts/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *linkedinAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete,
		a.base()+"/v2/ugcPosts/"+url.PathEscape(externalID), nil)
	return err
}

func (a *linkedinAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.base()+"/v2/me")
}

// twitterAdapter posts tweets through the v2 API. Credentials: access_token.
type twitterAdapter struct {
	unsupported
	client *httpClient
}

func newTwitterAdapter(client *httpClient) *twitterAdapter {
	return &twitterAdapter{client: client}
}

func (a *twitterAdapter) Platform() string                  { return "twitter" }
func (a *twitterAdapter) Category() models.PlatformCategory { return models.CategorySocial }

func (a *twitterAdapter) base() string {
	return apiBase(a.client.credentials(), "https://api.twitter.com")
}

func (a *twitterAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.base()+"/2/tweets", map[string]any{
		"text": req.Body,
	})
	if err != nil {
		return nil, err
	}
	data, _ := resp.Body["data"].(map[string]any)
	return &PublishResult{
		ExternalID:  stringField(data, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *twitterAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.base()+"/2/tweets/"+url.PathEscape(externalID)+"?tweet.fields=public_metrics", nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *twitterAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete,
		a.base()+"/2/tweets/"+url.PathEscape(externalID), nil)
	return err
}

func (a *twitterAdapter) CheckHealth(ctx context.Context) *HealthResult {
	return a.client.checkHealth(ctx, a.base()+"/2/users/me")
}

// facebookAdapter posts to a page feed via the Graph API. Credentials:
// access_token, page_id.
type facebookAdapter struct {
	unsupported
	client *httpClient
}

const graphAPIVersion = "v18.0"

func newFacebookAdapter(client *httpClient) *facebookAdapter {
	return &facebookAdapter{client: client}
}

func (a *facebookAdapter) Platform() string                  { return "facebook" }
func (a *facebookAdapter) Category() models.PlatformCategory { return models.CategorySocial }

func (a *facebookAdapter) graphURL(path string) string {
	return apiBase(a.client.credentials(), "https://graph.facebook.com") + "/" + graphAPIVersion + "/" + path
}

func (a *facebookAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	pageID := a.client.credentials()["page_id"]
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(pageID+"/feed"), map[string]any{
		"message": req.Body,
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID:  stringField(resp.Body, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Schedule uses the Graph API's deferred publishing: the post is created
// unpublished with a scheduled_publish_time.
func (a *facebookAdapter) Schedule(ctx context.Context, req *Request) (*PublishResult, error) {
	if req.ScheduleAt == nil {
		return nil, models.NewTaskError(models.KindValidation, "schedule requires a time")
	}
	pageID := a.client.credentials()["page_id"]
	resp, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(pageID+"/feed"), map[string]any{
		"message":                req.Body,
		"published":              false,
		"scheduled_publish_time": req.ScheduleAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{ExternalID: stringField(resp.Body, "id")}, nil
}

func (a *facebookAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.graphURL(url.PathEscape(externalID)+"?fields=id,message,shares,reactions.summary(true)"), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *facebookAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete, a.graphURL(url.PathEscape(externalID)), nil)
	return err
}

func (a *facebookAdapter) CheckHealth(ctx context.Context) *HealthResult {
	pageID := a.client.credentials()["page_id"]
	return a.client.checkHealth(ctx, a.graphURL(pageID+"?fields=id"))
}

// instagramAdapter publishes media through the two-step container flow.
// Credentials: access_token, ig_user_id. Text-only posts are rejected.
type instagramAdapter struct {
	unsupported
	client *httpClient
}

func newInstagramAdapter(client *httpClient) *instagramAdapter {
	return &instagramAdapter{client: client}
}

func (a *instagramAdapter) Platform() string                  { return "instagram" }
func (a *instagramAdapter) Category() models.PlatformCategory { return models.CategorySocial }

func (a *instagramAdapter) graphURL(path string) string {
	return apiBase(a.client.credentials(), "https://graph.facebook.com") + "/" + graphAPIVersion + "/" + path
}

func (a *instagramAdapter) Publish(ctx context.Context, req *Request) (*PublishResult, error) {
	if len(req.MediaURLs) == 0 {
		return nil, models.NewTaskError(models.KindValidation, "instagram posts require media")
	}
	userID := a.client.credentials()["ig_user_id"]

	container, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(userID+"/media"), map[string]any{
		"image_url": req.MediaURLs[0],
		"caption":   req.Body,
	})
	if err != nil {
		return nil, err
	}

	published, err := a.client.doJSON(ctx, http.MethodPost, a.graphURL(userID+"/media_publish"), map[string]any{
		"creation_id": stringField(container.Body, "id"),
	})
	if err != nil {
		return nil, err
	}
	return &PublishResult{
		ExternalID:  stringField(published.Body, "id"),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (a *instagramAdapter) Fetch(ctx context.Context, externalID string) (map[string]any, error) {
	resp, err := a.client.doJSON(ctx, http.MethodGet,
		a.graphURL(url.PathEscape(externalID)+"?fields=id,caption,like_count,comments_count"), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *instagramAdapter) Delete(ctx context.Context, externalID string) error {
	_, err := a.client.doJSON(ctx, http.MethodDelete, a.graphURL(url.PathEscape(externalID)), nil)
	return err
}

func (a *instagramAdapter) CheckHealth(ctx context.Context) *HealthResult {
	userID := a.client.credentials()["ig_user_id"]
	return a.client.checkHealth(ctx, a.graphURL(userID+"?fields=id"))
}
