package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// WebhookStore persists webhook subscriptions and delivery records.
type WebhookStore struct {
	db *database.Client
}

type webhookRow struct {
	WebhookID string    `db:"webhook_id"`
	BrandID   string    `db:"brand_id"`
	URL       string    `db:"url"`
	Events    []byte    `db:"events"`
	Secret    string    `db:"secret"`
	Format    string    `db:"format"`
	Active    bool      `db:"active"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

func (r webhookRow) toModel() (*models.Webhook, error) {
	events, err := unmarshalJSON[[]string](r.Events)
	if err != nil {
		return nil, err
	}
	return &models.Webhook{
		ID:        r.WebhookID,
		BrandID:   r.BrandID,
		URL:       r.URL,
		Events:    events,
		Secret:    r.Secret,
		Format:    r.Format,
		Active:    r.Active,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt,
	}, nil
}

// Create inserts a webhook subscription.
func (s *WebhookStore) Create(ctx context.Context, w *models.Webhook) error {
	events, err := marshalJSON(w.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO umt.webhooks (webhook_id, brand_id, url, events, secret, format, active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.BrandID, w.URL, events, w.Secret, w.Format, w.Active, w.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("webhook %s: %w", w.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// Get fetches a webhook by id.
func (s *WebhookStore) Get(ctx context.Context, webhookID string) (*models.Webhook, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, `
		SELECT webhook_id, brand_id, url, events, secret, format, active, created_by, created_at
		FROM umt.webhooks WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return nil, notFound(err, "webhook", webhookID)
	}
	return row.toModel()
}

// ListActiveByBrand returns the active webhooks for a brand. Subscriber
// resolution (event matching) happens in the dispatcher.
func (s *WebhookStore) ListActiveByBrand(ctx context.Context, brandID string) ([]*models.Webhook, error) {
	var rows []webhookRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT webhook_id, brand_id, url, events, secret, format, active, created_by, created_at
		FROM umt.webhooks WHERE brand_id = $1 AND active ORDER BY created_at`, brandID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for brand %s: %w", brandID, err)
	}
	out := make([]*models.Webhook, 0, len(rows))
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Delete removes a webhook subscription.
func (s *WebhookStore) Delete(ctx context.Context, webhookID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM umt.webhooks WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", webhookID, ErrNotFound)
	}
	return nil
}

// RecordDelivery appends one dispatch attempt for observability.
func (s *WebhookStore) RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO umt.webhook_deliveries (webhook_id, event_type, status_code, success, error_message, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.WebhookID, d.EventType, d.StatusCode, d.Success, d.ErrorMessage, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}
