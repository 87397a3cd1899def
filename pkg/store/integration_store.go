package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// IntegrationStore persists integrations across the per-category account
// tables (social_accounts, cms_accounts, ad_accounts) plus the append-only
// integration_health history.
type IntegrationStore struct {
	db *database.Client
}

// accountTable routes a category to its table. The three tables share one
// shape; only the name differs.
func accountTable(category models.PlatformCategory) (string, error) {
	switch category {
	case models.CategorySocial:
		return "umt.social_accounts", nil
	case models.CategoryCMS:
		return "umt.cms_accounts", nil
	case models.CategoryAdvertising:
		return "umt.ad_accounts", nil
	default:
		return "", fmt.Errorf("unknown platform category %q", category)
	}
}

var allCategories = []models.PlatformCategory{
	models.CategorySocial, models.CategoryCMS, models.CategoryAdvertising,
}

type integrationRow struct {
	IntegrationID   string     `db:"integration_id"`
	BrandID         string     `db:"brand_id"`
	Platform        string     `db:"platform"`
	Credentials     []byte     `db:"credentials"`
	HealthStatus    string     `db:"health_status"`
	LastHealthCheck *time.Time `db:"last_health_check"`
	TokenExpiresAt  *time.Time `db:"token_expires_at"`
	CreatedBy       string     `db:"created_by"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r integrationRow) toModel(category models.PlatformCategory) (*models.Integration, error) {
	creds, err := unmarshalJSON[map[string]models.EncryptedField](r.Credentials)
	if err != nil {
		return nil, err
	}
	return &models.Integration{
		ID:              r.IntegrationID,
		BrandID:         r.BrandID,
		Platform:        r.Platform,
		Category:        category,
		Credentials:     creds,
		HealthStatus:    models.HealthStatus(r.HealthStatus),
		LastHealthCheck: r.LastHealthCheck,
		TokenExpiresAt:  r.TokenExpiresAt,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

const integrationColumns = `integration_id, brand_id, platform, credentials, health_status, last_health_check, token_expires_at, created_by, created_at, updated_at`

// Create inserts a new integration into its category table.
func (s *IntegrationStore) Create(ctx context.Context, integ *models.Integration) error {
	table, err := accountTable(integ.Category)
	if err != nil {
		return err
	}
	creds, err := marshalJSON(integ.Credentials)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (integration_id, brand_id, platform, credentials, health_status, token_expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		integ.ID, integ.BrandID, integ.Platform, creds, string(integ.HealthStatus),
		integ.TokenExpiresAt, integ.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("integration for (%s, %s): %w", integ.BrandID, integ.Platform, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// Get looks an integration up by id across the category tables.
func (s *IntegrationStore) Get(ctx context.Context, integrationID string) (*models.Integration, error) {
	for _, category := range allCategories {
		table, _ := accountTable(category)
		var row integrationRow
		err := s.db.GetContext(ctx, &row,
			`SELECT `+integrationColumns+` FROM `+table+` WHERE integration_id = $1`, integrationID)
		if err == nil {
			return row.toModel(category)
		}
	}
	return nil, fmt.Errorf("integration %s: %w", integrationID, ErrNotFound)
}

// GetByBrandPlatform fetches the integration for a (brand, platform) pair.
func (s *IntegrationStore) GetByBrandPlatform(ctx context.Context, brandID, platform string) (*models.Integration, error) {
	for _, category := range allCategories {
		table, _ := accountTable(category)
		var row integrationRow
		err := s.db.GetContext(ctx, &row,
			`SELECT `+integrationColumns+` FROM `+table+` WHERE brand_id = $1 AND lower(platform) = lower($2)`,
			brandID, platform)
		if err == nil {
			return row.toModel(category)
		}
	}
	return nil, fmt.Errorf("integration (%s, %s): %w", brandID, platform, ErrNotFound)
}

// List returns integrations, optionally filtered by brand. Empty brandID
// lists everything.
func (s *IntegrationStore) List(ctx context.Context, brandID string) ([]*models.Integration, error) {
	var out []*models.Integration
	for _, category := range allCategories {
		table, _ := accountTable(category)
		query := `SELECT ` + integrationColumns + ` FROM ` + table
		args := []any{}
		if brandID != "" {
			query += ` WHERE brand_id = $1`
			args = append(args, brandID)
		}
		query += ` ORDER BY created_at`

		var rows []integrationRow
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		for _, row := range rows {
			integ, err := row.toModel(category)
			if err != nil {
				return nil, err
			}
			out = append(out, integ)
		}
	}
	return out, nil
}

// UpdateCredentials overwrites the sealed credential blob and expiry.
func (s *IntegrationStore) UpdateCredentials(ctx context.Context, integ *models.Integration) error {
	table, err := accountTable(integ.Category)
	if err != nil {
		return err
	}
	creds, err := marshalJSON(integ.Credentials)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET credentials = $2, token_expires_at = $3, updated_at = now()
		WHERE integration_id = $1`,
		integ.ID, creds, integ.TokenExpiresAt)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("integration %s: %w", integ.ID, ErrNotFound)
	}
	return nil
}

// RecordHealthCheck appends a history row and updates the integration's
// health_status and last_health_check in one transaction.
func (s *IntegrationStore) RecordHealthCheck(ctx context.Context, category models.PlatformCategory, rec *models.HealthCheckRecord) error {
	table, err := accountTable(category)
	if err != nil {
		return err
	}
	details, err := marshalJSON(rec.Details)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health-check tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO umt.integration_health (integration_id, check_time, status, response_time_ms, error_message, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.IntegrationID, rec.CheckTime, string(rec.Status), rec.ResponseTimeMS, rec.ErrorMessage, details); err != nil {
		return fmt.Errorf("insert health history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+table+` SET health_status = $2, last_health_check = $3, updated_at = now()
		WHERE integration_id = $1`,
		rec.IntegrationID, string(rec.Status), rec.CheckTime); err != nil {
		return fmt.Errorf("update health status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit health-check tx: %w", err)
	}
	return nil
}

// HealthHistory returns the most recent history rows for an integration.
func (s *IntegrationStore) HealthHistory(ctx context.Context, integrationID string, limit int) ([]*models.HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	type healthRow struct {
		ID             int64     `db:"id"`
		IntegrationID  string    `db:"integration_id"`
		CheckTime      time.Time `db:"check_time"`
		Status         string    `db:"status"`
		ResponseTimeMS int64     `db:"response_time_ms"`
		ErrorMessage   string    `db:"error_message"`
		Details        []byte    `db:"details"`
	}
	var rows []healthRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, integration_id, check_time, status, response_time_ms, error_message, details
		FROM umt.integration_health WHERE integration_id = $1
		ORDER BY check_time DESC LIMIT $2`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query health history: %w", err)
	}
	out := make([]*models.HealthCheckRecord, 0, len(rows))
	for _, row := range rows {
		details, err := unmarshalJSON[map[string]any](row.Details)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.HealthCheckRecord{
			ID:             row.ID,
			IntegrationID:  row.IntegrationID,
			CheckTime:      row.CheckTime,
			Status:         models.HealthStatus(row.Status),
			ResponseTimeMS: row.ResponseTimeMS,
			ErrorMessage:   row.ErrorMessage,
			Details:        details,
		})
	}
	return out, nil
}

// Delete removes an integration. Health history is retained (append-only).
func (s *IntegrationStore) Delete(ctx context.Context, category models.PlatformCategory, integrationID string) error {
	table, err := accountTable(category)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE integration_id = $1`, integrationID)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("integration %s: %w", integrationID, ErrNotFound)
	}
	return nil
}
