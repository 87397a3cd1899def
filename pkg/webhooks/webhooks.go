// Package webhooks delivers signed event notifications to registered
// subscriber URLs. Delivery is fire-and-record: each attempt is made once,
// logged and persisted, never retried.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/store"
)

const deliveryTimeout = 10 * time.Second

// signature headers on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
)

// payload is the canonical delivery body. Field order is fixed by the
// struct so signatures are reproducible.
type payload struct {
	EventType string         `json:"event_type"`
	WebhookID string         `json:"webhook_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher resolves subscribers and posts signed notifications.
type Dispatcher struct {
	store      *store.WebhookStore
	httpClient *http.Client
	logger     *slog.Logger
	wg         sync.WaitGroup
	now        func() time.Time
}

// NewDispatcher builds a dispatcher. httpClient may be nil for the default
// 10 s timeout client.
func NewDispatcher(webhookStore *store.WebhookStore, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deliveryTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      webhookStore,
		httpClient: httpClient,
		logger:     logger.With("component", "webhooks"),
		now:        time.Now,
	}
}

// Register creates a webhook subscription and returns it with a generated
// id and secret.
func (d *Dispatcher) Register(ctx context.Context, brandID, targetURL string, events []string, createdBy string) (*models.Webhook, error) {
	if targetURL == "" {
		return nil, models.NewTaskError(models.KindValidation, "webhook url is required")
	}
	if len(events) == 0 {
		return nil, models.NewTaskError(models.KindValidation, "webhook must subscribe to at least one event")
	}

	webhook := &models.Webhook{
		ID:        uuid.NewString(),
		BrandID:   brandID,
		URL:       targetURL,
		Events:    events,
		Secret:    uuid.NewString(),
		Format:    "json",
		Active:    true,
		CreatedBy: createdBy,
	}
	if err := d.store.Create(ctx, webhook); err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "Registered webhook",
		"webhook_id", webhook.ID, "brand_id", brandID, "events", events)
	return webhook, nil
}

// Unregister removes a subscription.
func (d *Dispatcher) Unregister(ctx context.Context, webhookID string) error {
	return d.store.Delete(ctx, webhookID)
}

// List returns the active subscriptions for a brand.
func (d *Dispatcher) List(ctx context.Context, brandID string) ([]*models.Webhook, error) {
	return d.store.ListActiveByBrand(ctx, brandID)
}

// TriggerEvent notifies every active subscriber of eventType for the brand.
// Deliveries run asynchronously; the call returns the number of subscribers
// notified. Failures never propagate to the action that raised the event.
func (d *Dispatcher) TriggerEvent(ctx context.Context, brandID, eventType string, data map[string]any) (int, error) {
	hooks, err := d.store.ListActiveByBrand(ctx, brandID)
	if err != nil {
		return 0, fmt.Errorf("resolve webhook subscribers: %w", err)
	}

	matched := 0
	for _, hook := range hooks {
		if !hook.SubscribesTo(eventType) {
			continue
		}
		matched++
		d.wg.Add(1)
		go func(hook *models.Webhook) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), hook, eventType, data)
		}(hook)
	}
	return matched, nil
}

// Wait blocks until all in-flight deliveries finish. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook *models.Webhook, eventType string, data map[string]any) {
	body, err := json.Marshal(payload{
		EventType: eventType,
		WebhookID: hook.ID,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to encode webhook payload",
			"webhook_id", hook.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	delivery := &models.WebhookDelivery{
		WebhookID:   hook.ID,
		EventType:   eventType,
		DeliveredAt: d.now().UTC(),
	}

	statusCode, err := d.post(ctx, hook, eventType, body)
	delivery.StatusCode = statusCode
	if err != nil {
		delivery.ErrorMessage = err.Error()
		d.logger.WarnContext(ctx, "Webhook delivery failed",
			"webhook_id", hook.ID, "event_type", eventType,
			"status_code", statusCode, "error", err)
	} else {
		delivery.Success = true
		d.logger.InfoContext(ctx, "Webhook delivered",
			"webhook_id", hook.ID, "event_type", eventType, "status_code", statusCode)
	}

	if err := d.store.RecordDelivery(ctx, delivery); err != nil {
		d.logger.ErrorContext(ctx, "Failed to record webhook delivery",
			"webhook_id", hook.ID, "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, eventType string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderSignature, Sign(hook.Secret, body))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("subscriber returned HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the delivery signature: base64 of the HMAC-SHA256 of the
// exact request body under the webhook secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the body. Receivers use it to
// authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
