package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

const (
	requestTimeout = 10 * time.Second
	maxRetries     = 3
)

// categoryBackoff is the base delay between retries, scaled linearly per
// attempt. Advertising APIs throttle hardest so they wait longest.
var categoryBackoff = map[models.PlatformCategory]time.Duration{
	models.CategoryCMS:         30 * time.Second,
	models.CategorySocial:      60 * time.Second,
	models.CategoryAdvertising: 120 * time.Second,
}

// authFunc stamps platform-specific auth onto an outbound request.
type authFunc func(req *http.Request, creds Credentials)

// httpClient is the shared outbound transport for one integration: a rate
// limiter, bounded retries on 429/5xx, and a single in-line credential
// refresh on 401.
type httpClient struct {
	platform string
	category models.PlatformCategory
	http     *http.Client
	limiter  *rate.Limiter
	auth     authFunc
	refresh  RefreshFunc
	logger   *slog.Logger

	mu    sync.RWMutex
	creds Credentials

	// sleep is swapped out in tests so retry backoff never blocks.
	sleep func(ctx context.Context, d time.Duration) error
}

func newHTTPClient(platform string, category models.PlatformCategory, limits config.PlatformLimits,
	creds Credentials, refresh RefreshFunc, auth authFunc, base *http.Client, logger *slog.Logger) *httpClient {

	if base == nil {
		base = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	perSecond := rate.Limit(float64(limits.RequestsPerHour) / 3600.0)
	burst := limits.RequestsPerHour / 60
	if burst < 1 {
		burst = 1
	}
	if limits.RequestsPerHour <= 0 {
		perSecond = rate.Inf
	}

	return &httpClient{
		platform: platform,
		category: category,
		http:     base,
		limiter:  rate.NewLimiter(perSecond, burst),
		auth:     auth,
		refresh:  refresh,
		logger:   logger.With("component", "integrations", "platform", platform),
		creds:    creds,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *httpClient) credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *httpClient) setCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// response is the decoded outcome of doJSON.
type response struct {
	StatusCode int
	Body       map[string]any
}

// doJSON performs one logical platform call: rate-limit admission, auth
// stamping, bounded retries on 429/5xx, one refresh-and-retry on 401.
func (c *httpClient) doJSON(ctx context.Context, method, url string, payload any) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.WrapTaskError(models.KindTimeout, fmt.Errorf("rate limit wait: %w", err))
	}

	refreshed := false
	backoff := categoryBackoff[c.category]

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff * time.Duration(attempt)
			c.logger.WarnContext(ctx, "Retrying platform request",
				"method", method, "attempt", attempt, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, models.WrapTaskError(models.KindTimeout, err)
			}
		}

		resp, err := c.doOnce(ctx, method, url, payload)
		if err != nil {
			lastErr = models.WrapTaskError(models.KindTransport, err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed || c.refresh == nil {
				return resp, models.NewTaskError(models.KindAuth,
					"%s rejected credentials", c.platform)
			}
			refreshed = true
			creds, err := c.refresh(ctx)
			if err != nil {
				return resp, models.WrapTaskError(models.KindAuth,
					fmt.Errorf("refresh credentials for %s: %w", c.platform, err))
			}
			c.setCredentials(creds)
			c.logger.InfoContext(ctx, "Refreshed credentials after 401")
			// Retry immediately without burning a backoff attempt.
			attempt--
			lastErr = models.NewTaskError(models.KindAuth, "%s returned 401", c.platform)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = models.NewTaskError(models.KindUpstream,
				"%s returned HTTP %d", c.platform, resp.StatusCode)

		case resp.StatusCode == http.StatusNotFound:
			return resp, models.NewTaskError(models.KindNotFound,
				"%s object not found", c.platform)

		case resp.StatusCode == http.StatusForbidden:
			return resp, models.NewTaskError(models.KindForbidden,
				"%s denied the operation", c.platform)

		default:
			return resp, models.NewTaskError(models.KindValidation,
				"%s rejected the request with HTTP %d", c.platform, resp.StatusCode)
		}
	}

	return nil, lastErr
}

func (c *httpClient) doOnce(ctx context.Context, method, url string, payload any) (*response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		c.auth(req, c.credentials())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	decoded := map[string]any{}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil && len(data) > 0 {
		// Non-JSON bodies are tolerated; status code drives control flow.
		_ = json.Unmarshal(data, &decoded)
	}

	return &response{StatusCode: resp.StatusCode, Body: decoded}, nil
}

// checkHealth probes a platform endpoint and maps the outcome onto the
// health verdict table.
func (c *httpClient) checkHealth(ctx context.Context, url string) *HealthResult {
	start := time.Now()
	resp, err := c.doOnce(ctx, http.MethodGet, url, nil)
	elapsed := time.Since(start)

	if err != nil {
		return &HealthResult{
			Status:       models.HealthUnhealthy,
			ResponseTime: elapsed,
			ErrorMessage: err.Error(),
			Details:      map[string]any{"transport_error": true},
		}
	}

	result := &HealthResult{
		ResponseTime: elapsed,
		Details:      map[string]any{"status_code": resp.StatusCode},
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Status = models.HealthHealthy
	case resp.StatusCode == http.StatusUnauthorized:
		result.Status = models.HealthUnhealthy
		result.ErrorMessage = "auth_error"
		result.Details["auth_error"] = true
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		result.Status = models.HealthDegraded
		result.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		result.Status = models.HealthDegraded
		result.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

func stringField(body map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := body[key]; ok {
			switch s := v.(type) {
			case string:
				return s
			case float64:
				return fmt.Sprintf("%.0f", s)
			}
		}
	}
	return ""
}
