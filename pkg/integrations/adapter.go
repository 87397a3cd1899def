// Package integrations adapts external marketing platforms (CMS, social,
// advertising) behind one verb set. Adapters share an outbound HTTP client
// that enforces rate limits, retries and token refresh.
package integrations

import (
	"context"
	"errors"
	"time"

	"github.com/umt-project/umt/pkg/models"
)

// ErrUnsupported is returned by adapters for verbs the platform has no
// sensible mapping for.
var ErrUnsupported = errors.New("operation not supported by platform")

// Credentials are the decrypted credential fields for one integration.
// They exist in memory only for the duration of an adapter call.
type Credentials map[string]string

// RefreshFunc obtains fresh credentials after a 401. Implemented by the
// auth agent; adapters call it at most once per request.
type RefreshFunc func(ctx context.Context) (Credentials, error)

// Request carries the content payload for publish-family verbs.
type Request struct {
	ContentID  string
	Title      string
	Body       string
	MediaURLs  []string
	ScheduleAt *time.Time
	Metadata   map[string]any
}

// PublishResult identifies the created or updated remote object.
type PublishResult struct {
	ExternalID  string
	URL         string
	PublishedAt time.Time
}

// HealthResult is one health-check verdict.
type HealthResult struct {
	Status       models.HealthStatus
	ResponseTime time.Duration
	ErrorMessage string
	Details      map[string]any
}

// Adapter is the uniform platform surface. Advertising platforms map the
// publish family onto campaign objects.
type Adapter interface {
	Platform() string
	Category() models.PlatformCategory

	Publish(ctx context.Context, req *Request) (*PublishResult, error)
	Schedule(ctx context.Context, req *Request) (*PublishResult, error)
	Update(ctx context.Context, externalID string, req *Request) (*PublishResult, error)
	Fetch(ctx context.Context, externalID string) (map[string]any, error)
	Delete(ctx context.Context, externalID string) error
	CheckHealth(ctx context.Context) *HealthResult
}

// unsupported supplies ErrUnsupported defaults; adapters embed it and
// override the verbs they implement.
type unsupported struct{}

func (unsupported) Publish(context.Context, *Request) (*PublishResult, error) {
	return nil, ErrUnsupported
}

func (unsupported) Schedule(context.Context, *Request) (*PublishResult, error) {
	return nil, ErrUnsupported
}

func (unsupported) Update(context.Context, string, *Request) (*PublishResult, error) {
	return nil, ErrUnsupported
}

func (unsupported) Fetch(context.Context, string) (map[string]any, error) {
	return nil, ErrUnsupported
}

func (unsupported) Delete(context.Context, string) error {
	return ErrUnsupported
}
