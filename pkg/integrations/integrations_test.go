package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

func testRegistry() *config.IntegrationRegistry {
	return config.NewIntegrationRegistry(nil)
}

// newTestAdapter builds an adapter against a local server with retry sleeps
// disabled.
func newTestAdapter(t *testing.T, platform string, handler http.Handler, creds Credentials, refresh RefreshFunc) Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	if creds == nil {
		creds = Credentials{}
	}
	creds["api_base_url"] = server.URL
	if _, ok := creds["site_url"]; !ok {
		creds["site_url"] = server.URL
	}
	if _, ok := creds["shop_domain"]; !ok {
		creds["shop_domain"] = server.URL
	}

	spec := platformSpecs[platform]
	client := newHTTPClient(platform, spec.category, testRegistry().Limits(platform),
		creds, refresh, spec.auth, server.Client(), nil)
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return spec.build(client)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, "twitter", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "1789"}})
	}), Credentials{"access_token": "tok"}, nil)

	result, err := adapter.Publish(context.Background(), &Request{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "1789", result.ExternalID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	adapter := newTestAdapter(t, "twitter", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}), Credentials{"access_token": "tok"}, nil)

	_, err := adapter.Publish(context.Background(), &Request{Body: "hello"})
	assert.Equal(t, models.KindUpstream, models.KindOf(err))
	assert.Equal(t, int32(4), calls.Load(), "one initial attempt plus three retries")
}

func TestRefreshOn401(t *testing.T) {
	t.Run("refreshed credentials are used on the retry", func(t *testing.T) {
		var refreshes atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "42"}})
		})
		refresh := func(ctx context.Context) (Credentials, error) {
			refreshes.Add(1)
			return Credentials{"access_token": "fresh"}, nil
		}

		adapter := newTestAdapter(t, "twitter", handler, Credentials{"access_token": "stale"}, refresh)
		result, err := adapter.Publish(context.Background(), &Request{Body: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "42", result.ExternalID)
		assert.Equal(t, int32(1), refreshes.Load())
	})

	t.Run("second 401 fails without another refresh", func(t *testing.T) {
		var refreshes atomic.Int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		refresh := func(ctx context.Context) (Credentials, error) {
			refreshes.Add(1)
			return Credentials{"access_token": "still-bad"}, nil
		}

		adapter := newTestAdapter(t, "twitter", handler, Credentials{"access_token": "stale"}, refresh)
		_, err := adapter.Publish(context.Background(), &Request{Body: "hi"})
		assert.Equal(t, models.KindAuth, models.KindOf(err))
		assert.Equal(t, int32(1), refreshes.Load())
	})
}

func TestCheckHealthVerdicts(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		wantStatus models.HealthStatus
		wantAuth   bool
	}{
		{"2xx is healthy", http.StatusOK, models.HealthHealthy, false},
		{"429 is degraded", http.StatusTooManyRequests, models.HealthDegraded, false},
		{"503 is degraded", http.StatusServiceUnavailable, models.HealthDegraded, false},
		{"401 is unhealthy with auth error", http.StatusUnauthorized, models.HealthUnhealthy, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, "linkedin", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			}), Credentials{"access_token": "tok"}, nil)

			result := adapter.CheckHealth(context.Background())
			assert.Equal(t, tc.wantStatus, result.Status)
			if tc.wantAuth {
				assert.Equal(t, "auth_error", result.ErrorMessage)
			}
			assert.GreaterOrEqual(t, result.ResponseTime, time.Duration(0))
		})
	}

	t.Run("transport failure is unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		spec := platformSpecs["linkedin"]
		client := newHTTPClient("linkedin", spec.category, testRegistry().Limits("linkedin"),
			Credentials{"access_token": "tok", "api_base_url": server.URL}, nil, spec.auth,
			&http.Client{Timeout: time.Second}, nil)
		adapter := spec.build(client)

		result := adapter.CheckHealth(context.Background())
		assert.Equal(t, models.HealthUnhealthy, result.Status)
		assert.NotEmpty(t, result.ErrorMessage)
	})
}

func TestFactory(t *testing.T) {
	factory := NewFactory(testRegistry(), nil, nil)

	t.Run("platform lookup is case-insensitive", func(t *testing.T) {
		adapter, err := factory.New("WordPress", Credentials{"site_url": "https://blog.test"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "wordpress", adapter.Platform())
		assert.Equal(t, models.CategoryCMS, adapter.Category())
	})

	t.Run("unknown platform is a validation error", func(t *testing.T) {
		_, err := factory.New("myspace", nil, nil)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("every supported platform constructs", func(t *testing.T) {
		for _, platform := range SupportedPlatforms() {
			adapter, err := factory.New(platform, Credentials{}, nil)
			require.NoError(t, err, platform)
			assert.Equal(t, platform, adapter.Platform())
		}
	})
}

func TestUnsupportedVerbs(t *testing.T) {
	factory := NewFactory(testRegistry(), nil, nil)

	t.Run("twitter cannot schedule", func(t *testing.T) {
		adapter, err := factory.New("twitter", Credentials{}, nil)
		require.NoError(t, err)
		_, err = adapter.Schedule(context.Background(), &Request{})
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("instagram cannot update", func(t *testing.T) {
		adapter, err := factory.New("instagram", Credentials{}, nil)
		require.NoError(t, err)
		_, err = adapter.Update(context.Background(), "123", &Request{})
		assert.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestInstagramRequiresMedia(t *testing.T) {
	factory := NewFactory(testRegistry(), nil, nil)
	adapter, err := factory.New("instagram", Credentials{"ig_user_id": "7"}, nil)
	require.NoError(t, err)

	_, err = adapter.Publish(context.Background(), &Request{Body: "caption only"})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCategoryOf(t *testing.T) {
	category, err := CategoryOf("Facebook_Ads")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAdvertising, category)

	_, err = CategoryOf("friendster")
	assert.Error(t, err)
}
