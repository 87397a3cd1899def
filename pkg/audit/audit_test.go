package audit

import (
	"context"
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

func newMockRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(sqlx.NewDb(db, "pgx"))
	return NewRecorder(client, nil), mock
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts one row and defaults the timestamp", func(t *testing.T) {
		r, mock := newMockRecorder(t)
		mock.ExpectExec(`INSERT INTO umt\.audit_log`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry := &models.AuditEntry{
			UserID:       "user-1",
			Action:       "content.transition",
			ResourceType: "content",
			ResourceID:   "content-1",
			NewState:     map[string]any{"status": "review"},
		}
		require.NoError(t, r.Record(ctx, entry))
		assert.False(t, entry.Timestamp.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure is returned but safe to ignore", func(t *testing.T) {
		r, mock := newMockRecorder(t)
		mock.ExpectExec(`INSERT INTO umt\.audit_log`).
			WillReturnError(errors.New("connection reset"))

		err := r.Record(ctx, &models.AuditEntry{
			UserID: "user-1", Action: "brand.update",
			ResourceType: "brand", ResourceID: "brand-1",
		})
		assert.ErrorContains(t, err, "record audit entry")
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	auditRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "user_id", "action", "resource_type", "resource_id",
			"previous_state", "new_state", "ip", "agent", "timestamp",
		}).AddRow(int64(1), "user-1", "content.transition", "content", "content-1",
			[]byte(`{"status":"draft"}`), []byte(`{"status":"review"}`), "10.0.0.1", "cli", now)
	}

	t.Run("by resource decodes state snapshots", func(t *testing.T) {
		r, mock := newMockRecorder(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.audit_log\s+WHERE resource_type`).
			WithArgs("content", "content-1", 50).
			WillReturnRows(auditRows())

		entries, err := r.ByResource(ctx, "content", "content-1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "draft", entries[0].PreviousState["status"])
		assert.Equal(t, "review", entries[0].NewState["status"])
	})

	t.Run("by user honors the limit", func(t *testing.T) {
		r, mock := newMockRecorder(t)
		mock.ExpectQuery(`SELECT .+ FROM umt\.audit_log\s+WHERE user_id`).
			WithArgs("user-1", 10).
			WillReturnRows(auditRows())

		entries, err := r.ByUser(ctx, "user-1", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}
