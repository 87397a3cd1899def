// Package audit records user-attributable actions into an append-only trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// Recorder writes and queries the audit trail. Writes are best effort: a
// failed audit insert is logged but never fails the action it describes.
type Recorder struct {
	db     *database.Client
	logger *slog.Logger
}

// NewRecorder builds a Recorder over the database client.
func NewRecorder(db *database.Client, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger.With("component", "audit")}
}

// Record appends one entry. The returned error is informational; callers
// performing the audited action should not abort on it.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditEntry) error {
	prev, err := marshalState(entry.PreviousState)
	if err != nil {
		return err
	}
	next, err := marshalState(entry.NewState)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO umt.audit_log (user_id, action, resource_type, resource_id, previous_state, new_state, ip, agent, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		prev, next, entry.IP, entry.Agent, entry.Timestamp)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record audit entry",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err)
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

type auditRow struct {
	ID            int64     `db:"id"`
	UserID        string    `db:"user_id"`
	Action        string    `db:"action"`
	ResourceType  string    `db:"resource_type"`
	ResourceID    string    `db:"resource_id"`
	PreviousState []byte    `db:"previous_state"`
	NewState      []byte    `db:"new_state"`
	IP            string    `db:"ip"`
	Agent         string    `db:"agent"`
	Timestamp     time.Time `db:"timestamp"`
}

func (row auditRow) toModel() (*models.AuditEntry, error) {
	prev, err := unmarshalState(row.PreviousState)
	if err != nil {
		return nil, err
	}
	next, err := unmarshalState(row.NewState)
	if err != nil {
		return nil, err
	}
	return &models.AuditEntry{
		ID:            row.ID,
		UserID:        row.UserID,
		Action:        row.Action,
		ResourceType:  row.ResourceType,
		ResourceID:    row.ResourceID,
		PreviousState: prev,
		NewState:      next,
		IP:            row.IP,
		Agent:         row.Agent,
		Timestamp:     row.Timestamp,
	}, nil
}

const auditColumns = `id, user_id, action, resource_type, resource_id, previous_state, new_state, ip, agent, timestamp`

// ByResource returns the newest entries touching one resource.
func (r *Recorder) ByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+` FROM umt.audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY timestamp DESC LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit by resource: %w", err)
	}
	return toModels(rows)
}

// ByUser returns the newest entries attributed to one user.
func (r *Recorder) ByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+` FROM umt.audit_log
		WHERE user_id = $1
		ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit by user: %w", err)
	}
	return toModels(rows)
}

func toModels(rows []auditRow) ([]*models.AuditEntry, error) {
	out := make([]*models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return data, nil
}

func unmarshalState(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal audit state: %w", err)
	}
	return out, nil
}
