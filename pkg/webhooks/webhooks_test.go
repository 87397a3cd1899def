package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(sqlx.NewDb(db, "pgx"))
	return NewDispatcher(store.New(client).Webhooks, nil, nil), mock
}

func webhookRows(hooks ...*models.Webhook) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"webhook_id", "brand_id", "url", "events", "secret", "format", "active", "created_by", "created_at",
	})
	for _, h := range hooks {
		events, _ := json.Marshal(h.Events)
		rows.AddRow(h.ID, h.BrandID, h.URL, events, h.Secret, "json", h.Active, "system", time.Now())
	}
	return rows
}

func TestTriggerEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers signed canonical payload to matching subscribers", func(t *testing.T) {
		var mu sync.Mutex
		var gotBody []byte
		var gotSig, gotEvent string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			gotBody, _ = io.ReadAll(r.Body)
			gotSig = r.Header.Get(HeaderSignature)
			gotEvent = r.Header.Get(HeaderEvent)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		d, mock := newTestDispatcher(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks`).
			WithArgs("brand-1").
			WillReturnRows(webhookRows(
				&models.Webhook{ID: "hook-1", BrandID: "brand-1", URL: server.URL,
					Events: []string{"content.published"}, Secret: "topsecret", Active: true},
				&models.Webhook{ID: "hook-2", BrandID: "brand-1", URL: server.URL,
					Events: []string{"project.created"}, Secret: "other", Active: true},
			))
		mock.ExpectExec(`INSERT INTO umt\.webhook_deliveries`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		matched, err := d.TriggerEvent(ctx, "brand-1", "content.published",
			map[string]any{"content_id": "content-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, matched, "only the subscribing webhook fires")
		d.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "content.published", gotEvent)
		assert.True(t, Verify("topsecret", gotBody, gotSig))

		var decoded payload
		require.NoError(t, json.Unmarshal(gotBody, &decoded))
		assert.Equal(t, "content.published", decoded.EventType)
		assert.Equal(t, "hook-1", decoded.WebhookID)
		assert.Equal(t, "content-1", decoded.Data["content_id"])
		assert.NotEmpty(t, decoded.Timestamp)
	})

	t.Run("wildcard subscriber receives every event", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d, mock := newTestDispatcher(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks`).
			WithArgs("brand-1").
			WillReturnRows(webhookRows(&models.Webhook{
				ID: "hook-1", BrandID: "brand-1", URL: server.URL,
				Events: []string{"*"}, Secret: "s", Active: true,
			}))
		mock.ExpectExec(`INSERT INTO umt\.webhook_deliveries`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		matched, err := d.TriggerEvent(ctx, "brand-1", "anything.at.all", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, matched)
		d.Wait()
	})

	t.Run("failed delivery is recorded, not retried", func(t *testing.T) {
		var calls int
		var mu sync.Mutex
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		d, mock := newTestDispatcher(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks`).
			WithArgs("brand-1").
			WillReturnRows(webhookRows(&models.Webhook{
				ID: "hook-1", BrandID: "brand-1", URL: server.URL,
				Events: []string{"content.published"}, Secret: "s", Active: true,
			}))
		mock.ExpectExec(`INSERT INTO umt\.webhook_deliveries`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		_, err := d.TriggerEvent(ctx, "brand-1", "content.published", nil)
		require.NoError(t, err, "delivery failure never fails the trigger")
		d.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, calls)
	})

	t.Run("no subscribers is a no-op", func(t *testing.T) {
		d, mock := newTestDispatcher(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks`).
			WithArgs("brand-1").
			WillReturnRows(webhookRows())

		matched, err := d.TriggerEvent(ctx, "brand-1", "content.published", nil)
		require.NoError(t, err)
		assert.Zero(t, matched)
	})
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	_, err := d.Register(ctx, "brand-1", "", []string{"*"}, "user-1")
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = d.Register(ctx, "brand-1", "https://example.test", nil, "user-1")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event_type":"content.published"}`)
	sig := Sign("secret", body)

	assert.True(t, Verify("secret", body, sig))
	assert.False(t, Verify("wrong", body, sig), "different secret fails")
	assert.False(t, Verify("secret", []byte(`{}`), sig), "different body fails")
	assert.False(t, Verify("secret", body, "not-base64!"), "malformed signature fails")
}
