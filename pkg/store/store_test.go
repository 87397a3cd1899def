package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(sqlx.NewDb(db, "pgx"))
	return New(client), mock
}

type fakePgError struct{ code string }

func (e *fakePgError) Error() string    { return "pg error " + e.code }
func (e *fakePgError) SQLState() string { return e.code }

func TestBrandStore(t *testing.T) {
	ctx := context.Background()

	t.Run("create duplicate maps to ErrAlreadyExists", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO umt\.brands`).
			WillReturnError(&fakePgError{code: "23505"})

		err := s.Brands.Create(ctx, &models.Brand{ID: "brand-1", Name: "Acme"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get missing maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.brands`).
			WithArgs("brand-missing").
			WillReturnError(sql.ErrNoRows)

		_, err := s.Brands.Get(ctx, "brand-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get unmarshals jsonb columns", func(t *testing.T) {
		s, mock := newMockStore(t)
		guidelines, _ := json.Marshal(map[string]any{"colors": []string{"#102030"}})
		now := time.Now()
		rows := sqlmock.NewRows([]string{
			"brand_id", "name", "website", "description", "logo_path", "guidelines",
			"created_by", "created_at", "updated_at",
		}).AddRow("brand-1", "Acme", "https://acme.test", "", "", guidelines, "system", now, now)
		mock.ExpectQuery(`SELECT .+ FROM umt\.brands`).
			WithArgs("brand-1").
			WillReturnRows(rows)

		brand, err := s.Brands.Get(ctx, "brand-1")
		require.NoError(t, err)
		assert.Equal(t, "Acme", brand.Name)
		assert.Contains(t, brand.Guidelines, "colors")
	})
}

func TestContentStoreTransition(t *testing.T) {
	ctx := context.Background()

	contentRows := func(status string) *sqlmock.Rows {
		now := time.Now()
		return sqlmock.NewRows([]string{
			"content_id", "project_id", "title", "body", "status", "metadata", "created_at", "updated_at",
		}).AddRow("content-1", "project-1", "Post", "body", status, []byte("{}"), now, now)
	}

	t.Run("legal transition updates with status guard", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.content`).
			WithArgs("content-1").
			WillReturnRows(contentRows("draft"))
		mock.ExpectExec(`UPDATE umt\.content SET status`).
			WithArgs("content-1", "review", "draft").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Content.Transition(ctx, "content-1", models.ContentReview))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("draft to published is rejected before any write", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.content`).
			WithArgs("content-1").
			WillReturnRows(contentRows("draft"))

		err := s.Content.Transition(ctx, "content-1", models.ContentPublished)
		assert.Equal(t, models.KindConflict, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent transition surfaces conflict", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.content`).
			WithArgs("content-1").
			WillReturnRows(contentRows("review"))
		mock.ExpectExec(`UPDATE umt\.content SET status`).
			WithArgs("content-1", "approved", "review").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.Content.Transition(ctx, "content-1", models.ContentApproved)
		assert.Equal(t, models.KindConflict, models.KindOf(err))
	})
}

func TestIntegrationStoreRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("create routes to category table", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO umt\.cms_accounts`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.Integrations.Create(ctx, &models.Integration{
			ID:       "integ-1",
			BrandID:  "brand-1",
			Platform: "wordpress",
			Category: models.CategoryCMS,
			Credentials: map[string]models.EncryptedField{
				"api_key": {Ciphertext: "abc", Salt: "def", Generation: 1},
			},
			HealthStatus: models.HealthPending,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown category is rejected", func(t *testing.T) {
		s, _ := newMockStore(t)
		err := s.Integrations.Create(ctx, &models.Integration{Category: "bogus"})
		assert.ErrorContains(t, err, "unknown platform category")
	})

	t.Run("record health check appends history and updates status atomically", func(t *testing.T) {
		s, mock := newMockStore(t)
		checkTime := time.Now()
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO umt\.integration_health`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`UPDATE umt\.social_accounts SET health_status`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := s.Integrations.RecordHealthCheck(ctx, models.CategorySocial, &models.HealthCheckRecord{
			IntegrationID:  "integ-1",
			CheckTime:      checkTime,
			Status:         models.HealthHealthy,
			ResponseTimeMS: 120,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("history insert failure rolls back status update", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO umt\.integration_health`).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := s.Integrations.RecordHealthCheck(ctx, models.CategorySocial, &models.HealthCheckRecord{
			IntegrationID: "integ-1",
			CheckTime:     time.Now(),
			Status:        models.HealthDegraded,
		})
		assert.ErrorContains(t, err, "insert health history")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebhookStore(t *testing.T) {
	ctx := context.Background()

	t.Run("list active by brand decodes events", func(t *testing.T) {
		s, mock := newMockStore(t)
		now := time.Now()
		rows := sqlmock.NewRows([]string{
			"webhook_id", "brand_id", "url", "events", "secret", "format", "active", "created_by", "created_at",
		}).AddRow("hook-1", "brand-1", "https://example.test/hook",
			[]byte(`["content.published","*"]`), "s3cret", "json", true, "system", now)
		mock.ExpectQuery(`SELECT .+ FROM umt\.webhooks WHERE brand_id`).
			WithArgs("brand-1").
			WillReturnRows(rows)

		hooks, err := s.Webhooks.ListActiveByBrand(ctx, "brand-1")
		require.NoError(t, err)
		require.Len(t, hooks, 1)
		assert.True(t, hooks[0].SubscribesTo("anything.at.all"))
	})

	t.Run("delete missing webhook maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`DELETE FROM umt\.webhooks`).
			WithArgs("hook-missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, s.Webhooks.Delete(ctx, "hook-missing"), ErrNotFound)
	})
}

func TestAPIKeyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get decodes scopes", func(t *testing.T) {
		s, mock := newMockStore(t)
		now := time.Now()
		rows := sqlmock.NewRows([]string{
			"key_id", "brand_id", "hashed_secret", "salt", "scopes", "tier",
			"rate_limit_per_minute", "active", "expires_at", "last_used_at", "created_at",
		}).AddRow("key-1", "brand-1", "hash", "salt", []byte(`["content:read","content:write"]`),
			"standard", 120, true, nil, nil, now)
		mock.ExpectQuery(`SELECT .+ FROM umt\.api_keys`).
			WithArgs("key-1").
			WillReturnRows(rows)

		key, err := s.APIKeys.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, key.HasScope("content:write"))
		assert.False(t, key.HasScope("admin"))
		assert.Equal(t, models.TierStandard, key.Tier)
	})

	t.Run("revoke missing key maps to ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE umt\.api_keys SET active = FALSE`).
			WithArgs("key-missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, s.APIKeys.Revoke(ctx, "key-missing"), ErrNotFound)
	})
}
