package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// BrandStore persists brand aggregates.
type BrandStore struct {
	db *database.Client
}

type brandRow struct {
	BrandID     string    `db:"brand_id"`
	Name        string    `db:"name"`
	Website     string    `db:"website"`
	Description string    `db:"description"`
	LogoPath    string    `db:"logo_path"`
	Guidelines  []byte    `db:"guidelines"`
	CreatedBy   string    `db:"created_by"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r brandRow) toModel() (*models.Brand, error) {
	guidelines, err := unmarshalJSON[map[string]any](r.Guidelines)
	if err != nil {
		return nil, err
	}
	return &models.Brand{
		ID:          r.BrandID,
		Name:        r.Name,
		Website:     r.Website,
		Description: r.Description,
		LogoPath:    r.LogoPath,
		Guidelines:  guidelines,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// Create inserts a new brand.
func (s *BrandStore) Create(ctx context.Context, brand *models.Brand) error {
	guidelines, err := marshalJSON(brand.Guidelines)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO umt.brands (brand_id, name, website, description, logo_path, guidelines, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		brand.ID, brand.Name, brand.Website, brand.Description, brand.LogoPath, guidelines, brand.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("brand %s: %w", brand.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert brand: %w", err)
	}
	return nil
}

// Get fetches a brand by id.
func (s *BrandStore) Get(ctx context.Context, brandID string) (*models.Brand, error) {
	var row brandRow
	err := s.db.GetContext(ctx, &row, `
		SELECT brand_id, name, website, description, logo_path, guidelines, created_by, created_at, updated_at
		FROM umt.brands WHERE brand_id = $1`, brandID)
	if err != nil {
		return nil, notFound(err, "brand", brandID)
	}
	return row.toModel()
}

// Update overwrites mutable brand fields.
func (s *BrandStore) Update(ctx context.Context, brand *models.Brand) error {
	guidelines, err := marshalJSON(brand.Guidelines)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE umt.brands
		SET name = $2, website = $3, description = $4, logo_path = $5, guidelines = $6, updated_at = now()
		WHERE brand_id = $1`,
		brand.ID, brand.Name, brand.Website, brand.Description, brand.LogoPath, guidelines)
	if err != nil {
		return fmt.Errorf("update brand: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("brand %s: %w", brand.ID, ErrNotFound)
	}
	return nil
}

// SetLogoPath updates only the logo path. The caller replaces the file on
// disk after this succeeds so the record never points at a deleted file.
func (s *BrandStore) SetLogoPath(ctx context.Context, brandID, logoPath string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE umt.brands SET logo_path = $2, updated_at = now() WHERE brand_id = $1`,
		brandID, logoPath)
	if err != nil {
		return fmt.Errorf("update brand logo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("brand %s: %w", brandID, ErrNotFound)
	}
	return nil
}
