package store

import (
	"context"
	"fmt"
	"time"

	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/models"
)

// ProjectStore persists projects and project types.
type ProjectStore struct {
	db *database.Client
}

type projectRow struct {
	ProjectID   string    `db:"project_id"`
	BrandID     string    `db:"brand_id"`
	Name        string    `db:"name"`
	ProjectType string    `db:"project_type"`
	Status      string    `db:"status"`
	AssignedTo  string    `db:"assigned_to"`
	Metadata    []byte    `db:"metadata"`
	CreatedBy   string    `db:"created_by"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r projectRow) toModel() (*models.Project, error) {
	metadata, err := unmarshalJSON[map[string]any](r.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Project{
		ID:          r.ProjectID,
		BrandID:     r.BrandID,
		Name:        r.Name,
		ProjectType: r.ProjectType,
		Status:      models.ProjectStatus(r.Status),
		AssignedTo:  r.AssignedTo,
		Metadata:    metadata,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

const projectColumns = `project_id, brand_id, name, project_type, status, assigned_to, metadata, created_by, created_at, updated_at`

// Create inserts a new project.
func (s *ProjectStore) Create(ctx context.Context, p *models.Project) error {
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO umt.projects (project_id, brand_id, name, project_type, status, assigned_to, metadata, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.BrandID, p.Name, p.ProjectType, string(p.Status), p.AssignedTo, metadata, p.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// Get fetches a project by id.
func (s *ProjectStore) Get(ctx context.Context, projectID string) (*models.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+projectColumns+` FROM umt.projects WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return row.toModel()
}

// ListByBrand returns all projects under a brand, newest first.
func (s *ProjectStore) ListByBrand(ctx context.Context, brandID string) ([]*models.Project, error) {
	var rows []projectRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+projectColumns+` FROM umt.projects WHERE brand_id = $1 ORDER BY created_at DESC`, brandID)
	if err != nil {
		return nil, fmt.Errorf("list projects for brand %s: %w", brandID, err)
	}
	out := make([]*models.Project, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Update overwrites mutable project fields.
func (s *ProjectStore) Update(ctx context.Context, p *models.Project) error {
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE umt.projects
		SET name = $2, project_type = $3, status = $4, assigned_to = $5, metadata = $6, updated_at = now()
		WHERE project_id = $1`,
		p.ID, p.Name, p.ProjectType, string(p.Status), p.AssignedTo, metadata)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// SetStatus transitions a project's status.
func (s *ProjectStore) SetStatus(ctx context.Context, projectID string, status models.ProjectStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE umt.projects SET status = $2, updated_at = now() WHERE project_id = $1`,
		projectID, string(status))
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// --- project types ---

type projectTypeRow struct {
	TypeID         string    `db:"type_id"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	DefaultPerWeek float64   `db:"default_per_week"`
	CreatedAt      time.Time `db:"created_at"`
}

// CreateType inserts a project type.
func (s *ProjectStore) CreateType(ctx context.Context, t *models.ProjectType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO umt.project_types (type_id, name, description, default_per_week)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Description, t.DefaultPerWeek)
	if isUniqueViolation(err) {
		return fmt.Errorf("project type %s: %w", t.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert project type: %w", err)
	}
	return nil
}

// ListTypes returns all project types, alphabetical.
func (s *ProjectStore) ListTypes(ctx context.Context) ([]*models.ProjectType, error) {
	var rows []projectTypeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT type_id, name, description, default_per_week, created_at
		FROM umt.project_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list project types: %w", err)
	}
	out := make([]*models.ProjectType, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.ProjectType{
			ID:             row.TypeID,
			Name:           row.Name,
			Description:    row.Description,
			DefaultPerWeek: row.DefaultPerWeek,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}
