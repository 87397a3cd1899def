package models

import "time"

// Brand is the top-level marketing aggregate. Domain fields beyond what the
// core owns pass through Guidelines as opaque payload.
type Brand struct {
	ID          string         `db:"brand_id"`
	Name        string         `db:"name"`
	Website     string         `db:"website"`
	Description string         `db:"description"`
	LogoPath    string         `db:"logo_path"`
	Guidelines  map[string]any `db:"-"`
	CreatedBy   string         `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// ProjectStatus tracks a project through its lifecycle.
type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectActive    ProjectStatus = "active"
	ProjectReview    ProjectStatus = "review"
	ProjectApproved  ProjectStatus = "approved"
	ProjectPublished ProjectStatus = "published"
	ProjectArchived  ProjectStatus = "archived"
)

// Project is a unit of marketing work under a brand.
type Project struct {
	ID          string         `db:"project_id"`
	BrandID     string         `db:"brand_id"`
	Name        string         `db:"name"`
	ProjectType string         `db:"project_type"`
	Status      ProjectStatus  `db:"status"`
	AssignedTo  string         `db:"assigned_to"`
	Metadata    map[string]any `db:"-"`
	CreatedBy   string         `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// ProjectType names a category of project with an optional weekly cadence.
type ProjectType struct {
	ID            string    `db:"type_id"`
	Name          string    `db:"name"`
	Description   string    `db:"description"`
	DefaultPerWeek float64  `db:"default_per_week"`
	CreatedAt     time.Time `db:"created_at"`
}

// ContentStatus tracks a content draft through approval and publication.
type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentReview    ContentStatus = "review"
	ContentApproved  ContentStatus = "approved"
	ContentPublished ContentStatus = "published"
)

// CanTransition enforces the content workflow: drafts must pass review and
// approval before publication.
func (s ContentStatus) CanTransition(to ContentStatus) bool {
	allowed := map[ContentStatus][]ContentStatus{
		ContentDraft:    {ContentReview},
		ContentReview:   {ContentDraft, ContentApproved},
		ContentApproved: {ContentPublished, ContentDraft},
	}
	for _, next := range allowed[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Content is a content item owned by a project.
type Content struct {
	ID        string         `db:"content_id"`
	ProjectID string         `db:"project_id"`
	Title     string         `db:"title"`
	Body      string         `db:"body"`
	Status    ContentStatus  `db:"status"`
	Metadata  map[string]any `db:"-"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}
