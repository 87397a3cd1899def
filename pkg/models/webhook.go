package models

import "time"

// WildcardEvent subscribes a webhook to every event type.
const WildcardEvent = "*"

// Webhook is an outbound HTTP subscription for platform events.
type Webhook struct {
	ID        string    `db:"webhook_id"`
	BrandID   string    `db:"brand_id"`
	URL       string    `db:"url"`
	Events    []string  `db:"-"`
	Secret    string    `db:"secret"`
	Format    string    `db:"format"`
	Active    bool      `db:"active"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

// SubscribesTo reports whether the webhook should fire for eventType.
// A webhook fires iff it is active and subscribes to the event or to "*".
func (w *Webhook) SubscribesTo(eventType string) bool {
	if !w.Active {
		return false
	}
	for _, e := range w.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

// WebhookDelivery records one dispatch attempt for observability.
type WebhookDelivery struct {
	WebhookID    string    `db:"webhook_id"`
	EventType    string    `db:"event_type"`
	StatusCode   int       `db:"status_code"`
	Success      bool      `db:"success"`
	ErrorMessage string    `db:"error_message"`
	DeliveredAt  time.Time `db:"delivered_at"`
}
