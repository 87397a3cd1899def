package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// ContentStore persists content items and enforces status transitions.
type ContentStore struct {
	db *database.Client
}

type contentRow struct {
	ContentID string    `db:"content_id"`
	ProjectID string    `db:"project_id"`
	Title     string    `db:"title"`
	Body      string    `db:"body"`
	Status    string    `db:"status"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r contentRow) toModel() (*models.Content, error) {
	metadata, err := unmarshalJSON[map[string]any](r.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Content{
		ID:        r.ContentID,
		ProjectID: r.ProjectID,
		Title:     r.Title,
		Body:      r.Body,
		Status:    models.ContentStatus(r.Status),
		Metadata:  metadata,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Create inserts a content item.
func (s *ContentStore) Create(ctx context.Context, c *models.Content) error {
	metadata, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO umt.content (content_id, project_id, title, body, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ProjectID, c.Title, c.Body, string(c.Status), metadata)
	if isUniqueViolation(err) {
		return fmt.Errorf("content %s: %w", c.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

// Get fetches a content item by id.
func (s *ContentStore) Get(ctx context.Context, contentID string) (*models.Content, error) {
	var row contentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT content_id, project_id, title, body, status, metadata, created_at, updated_at
		FROM umt.content WHERE content_id = $1`, contentID)
	if err != nil {
		return nil, notFound(err, "content", contentID)
	}
	return row.toModel()
}

// Transition moves content to a new status, enforcing the workflow. An
// illegal transition (e.g. draft straight to published) fails without
// touching the row.
func (s *ContentStore) Transition(ctx context.Context, contentID string, to models.ContentStatus) error {
	current, err := s.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(to) {
		return models.NewTaskError(models.KindConflict,
			"content %s cannot transition from %s to %s", contentID, current.Status, to)
	}

	// Guard against a concurrent transition between read and write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE umt.content SET status = $2, updated_at = now()
		WHERE content_id = $1 AND status = $3`,
		contentID, string(to), string(current.Status))
	if err != nil {
		return fmt.Errorf("update content status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewTaskError(models.KindConflict,
			"content %s was modified concurrently", contentID)
	}
	return nil
}
