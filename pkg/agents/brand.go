package agents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/store"
)

// BrandAgent owns brand and project lifecycle: onboarding with website
// enrichment, project management, logo storage and webhook registration.
type BrandAgent struct {
	*agent.BaseAgent
	deps Deps
}

// NewBrandAgent wires the brand agent's handlers and event subscriptions.
func NewBrandAgent(deps Deps) *BrandAgent {
	a := &BrandAgent{
		BaseAgent: agent.New(BrandAgentID, deps.Broker, runtimeConfig(deps), deps.logger()),
		deps:      deps,
	}

	a.OnTask("onboard_brand", a.onboardBrand)
	a.OnTask("update_brand", a.updateBrand)
	a.OnTask("get_brand_info", a.getBrandInfo)
	a.OnTask("create_project", a.createProject)
	a.OnTask("update_project", a.updateProject)
	a.OnTask("get_project_info", a.getProjectInfo)
	a.OnTask("assign_project", a.assignProject)
	a.OnTask("get_brand_projects", a.getBrandProjects)
	a.OnTask("get_project_types", a.getProjectTypes)
	a.OnTask("create_project_type", a.createProjectType)
	a.OnTask("upload_brand_logo", a.uploadBrandLogo)
	a.OnTask("delete_brand_logo", a.deleteBrandLogo)
	a.OnTask("health_check", a.healthCheck)
	a.OnTask("register_webhook", a.registerWebhook)
	a.OnTask("unregister_webhook", a.unregisterWebhook)

	a.OnEvent("user.created", a.onUserCreated)
	a.OnEvent("content.published", a.onContentPublished)

	return a
}

func uploadsConfig(deps Deps) *config.UploadConfig {
	if deps.Config != nil && deps.Config.Uploads != nil {
		return deps.Config.Uploads
	}
	return config.DefaultUploadConfig()
}

// onboardBrand creates a brand, enriching its guidelines from the website
// when one is given. Enrichment is best-effort; caller-provided guideline
// fields always win over extracted ones.
func (a *BrandAgent) onboardBrand(ctx context.Context, msg *models.Message) models.Result {
	name, err := requireString(msg.Payload, "name")
	if err != nil {
		return models.Err(err)
	}
	website := stringArg(msg.Payload, "website")

	guidelines := map[string]any{}
	enriched := false
	if website != "" && a.deps.Scraper != nil {
		if patch := a.deps.Scraper.Scrape(ctx, website).GuidelinesPatch(); patch != nil {
			guidelines = patch
			enriched = true
		}
	}
	for k, v := range mapArg(msg.Payload, "guidelines") {
		guidelines[k] = v
	}

	brand := &models.Brand{
		ID:          uuid.New().String(),
		Name:        name,
		Website:     website,
		Description: stringArg(msg.Payload, "description"),
		Guidelines:  guidelines,
		CreatedBy:   stringArg(msg.Payload, "user_id"),
	}
	if err := a.deps.Store.Brands.Create(ctx, brand); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return models.Err(models.WrapTaskError(models.KindConflict, err))
		}
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       brand.CreatedBy,
		Action:       "brand_created",
		ResourceType: "brand",
		ResourceID:   brand.ID,
		NewState:     map[string]any{"name": brand.Name, "website": brand.Website},
		Agent:        a.ID(),
	})

	info := brandInfo(brand)
	info["enriched"] = enriched
	return models.Ok(info)
}

func (a *BrandAgent) updateBrand(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	brand, err := a.deps.Store.Brands.Get(ctx, brandID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	previous := map[string]any{
		"name": brand.Name, "website": brand.Website, "description": brand.Description,
	}

	if v := stringArg(msg.Payload, "name"); v != "" {
		brand.Name = v
	}
	if v := stringArg(msg.Payload, "website"); v != "" {
		brand.Website = v
	}
	if v := stringArg(msg.Payload, "description"); v != "" {
		brand.Description = v
	}
	for k, v := range mapArg(msg.Payload, "guidelines") {
		if brand.Guidelines == nil {
			brand.Guidelines = map[string]any{}
		}
		brand.Guidelines[k] = v
	}

	if err := a.deps.Store.Brands.Update(ctx, brand); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:        stringArg(msg.Payload, "user_id"),
		Action:        "brand_updated",
		ResourceType:  "brand",
		ResourceID:    brand.ID,
		PreviousState: previous,
		NewState: map[string]any{
			"name": brand.Name, "website": brand.Website, "description": brand.Description,
		},
		Agent: a.ID(),
	})
	return models.Ok(brandInfo(brand))
}

func (a *BrandAgent) getBrandInfo(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	brand, err := a.deps.Store.Brands.Get(ctx, brandID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	return models.Ok(brandInfo(brand))
}

func (a *BrandAgent) createProject(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	name, err := requireString(msg.Payload, "name")
	if err != nil {
		return models.Err(err)
	}
	projectType, err := requireString(msg.Payload, "project_type")
	if err != nil {
		return models.Err(err)
	}

	if _, err := a.deps.Store.Brands.Get(ctx, brandID); err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}

	project := &models.Project{
		ID:          uuid.New().String(),
		BrandID:     brandID,
		Name:        name,
		ProjectType: projectType,
		Status:      models.ProjectDraft,
		AssignedTo:  stringArg(msg.Payload, "assigned_to"),
		Metadata:    mapArg(msg.Payload, "metadata"),
		CreatedBy:   stringArg(msg.Payload, "user_id"),
	}
	if err := a.deps.Store.Projects.Create(ctx, project); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       project.CreatedBy,
		Action:       "project_created",
		ResourceType: "project",
		ResourceID:   project.ID,
		NewState:     map[string]any{"name": name, "project_type": projectType},
		Agent:        a.ID(),
	})
	return models.Ok(projectInfo(project))
}

var projectStatuses = map[models.ProjectStatus]bool{
	models.ProjectDraft: true, models.ProjectActive: true, models.ProjectReview: true,
	models.ProjectApproved: true, models.ProjectPublished: true, models.ProjectArchived: true,
}

func (a *BrandAgent) updateProject(ctx context.Context, msg *models.Message) models.Result {
	projectID, err := requireString(msg.Payload, "project_id")
	if err != nil {
		return models.Err(err)
	}
	project, err := a.deps.Store.Projects.Get(ctx, projectID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	previous := map[string]any{"name": project.Name, "status": string(project.Status)}

	if v := stringArg(msg.Payload, "name"); v != "" {
		project.Name = v
	}
	if v := stringArg(msg.Payload, "project_type"); v != "" {
		project.ProjectType = v
	}
	if v := stringArg(msg.Payload, "status"); v != "" {
		status := models.ProjectStatus(v)
		if !projectStatuses[status] {
			return models.Errf(models.KindValidation, "unknown project status %q", v)
		}
		project.Status = status
	}
	for k, v := range mapArg(msg.Payload, "metadata") {
		if project.Metadata == nil {
			project.Metadata = map[string]any{}
		}
		project.Metadata[k] = v
	}

	if err := a.deps.Store.Projects.Update(ctx, project); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:        stringArg(msg.Payload, "user_id"),
		Action:        "project_updated",
		ResourceType:  "project",
		ResourceID:    project.ID,
		PreviousState: previous,
		NewState:      map[string]any{"name": project.Name, "status": string(project.Status)},
		Agent:         a.ID(),
	})
	return models.Ok(projectInfo(project))
}

func (a *BrandAgent) getProjectInfo(ctx context.Context, msg *models.Message) models.Result {
	projectID, err := requireString(msg.Payload, "project_id")
	if err != nil {
		return models.Err(err)
	}
	project, err := a.deps.Store.Projects.Get(ctx, projectID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	return models.Ok(projectInfo(project))
}

func (a *BrandAgent) assignProject(ctx context.Context, msg *models.Message) models.Result {
	projectID, err := requireString(msg.Payload, "project_id")
	if err != nil {
		return models.Err(err)
	}
	assignee, err := requireString(msg.Payload, "assigned_to")
	if err != nil {
		return models.Err(err)
	}
	project, err := a.deps.Store.Projects.Get(ctx, projectID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	previous := project.AssignedTo
	project.AssignedTo = assignee
	if err := a.deps.Store.Projects.Update(ctx, project); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:        stringArg(msg.Payload, "user_id"),
		Action:        "project_assigned",
		ResourceType:  "project",
		ResourceID:    project.ID,
		PreviousState: map[string]any{"assigned_to": previous},
		NewState:      map[string]any{"assigned_to": assignee},
		Agent:         a.ID(),
	})
	return models.Ok(projectInfo(project))
}

func (a *BrandAgent) getBrandProjects(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	projects, err := a.deps.Store.Projects.ListByBrand(ctx, brandID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectInfo(p))
	}
	return models.Ok(map[string]any{"brand_id": brandID, "projects": out, "count": len(out)})
}

func (a *BrandAgent) getProjectTypes(ctx context.Context, _ *models.Message) models.Result {
	types, err := a.deps.Store.Projects.ListTypes(ctx)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	out := make([]map[string]any, 0, len(types))
	for _, t := range types {
		out = append(out, map[string]any{
			"type_id":          t.ID,
			"name":             t.Name,
			"description":      t.Description,
			"default_per_week": t.DefaultPerWeek,
		})
	}
	return models.Ok(map[string]any{"project_types": out, "count": len(out)})
}

func (a *BrandAgent) createProjectType(ctx context.Context, msg *models.Message) models.Result {
	name, err := requireString(msg.Payload, "name")
	if err != nil {
		return models.Err(err)
	}
	t := &models.ProjectType{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    stringArg(msg.Payload, "description"),
		DefaultPerWeek: floatArg(msg.Payload, "default_per_week", 1),
	}
	if err := a.deps.Store.Projects.CreateType(ctx, t); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return models.Err(models.WrapTaskError(models.KindConflict, err))
		}
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	return models.Ok(map[string]any{
		"type_id":          t.ID,
		"name":             t.Name,
		"default_per_week": t.DefaultPerWeek,
	})
}

// uploadBrandLogo stores a logo under {uploads}/logos/{brand_id}/ and
// atomically replaces the previous one: the new file is written and the
// record updated before the old file is removed.
func (a *BrandAgent) uploadBrandLogo(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	filename, err := requireString(msg.Payload, "filename")
	if err != nil {
		return models.Err(err)
	}
	encoded, err := requireString(msg.Payload, "data")
	if err != nil {
		return models.Err(err)
	}

	cfg := uploadsConfig(a.deps)
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	allowed := false
	for _, e := range cfg.AllowedExtensions {
		if ext == e {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.Errf(models.KindValidation,
			"logo extension %q not allowed (allowed: %s)", ext, strings.Join(cfg.AllowedExtensions, ", "))
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return models.Errf(models.KindValidation, "logo data is not valid base64")
	}
	if int64(len(data)) > cfg.MaxLogoBytes {
		return models.Errf(models.KindValidation,
			"logo exceeds the %d byte limit", cfg.MaxLogoBytes)
	}

	brand, err := a.deps.Store.Brands.Get(ctx, brandID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	oldPath := brand.LogoPath

	dir := filepath.Join(cfg.Dir, "logos", brandID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	newPath := filepath.Join(dir, filename)
	if err := writeFileAtomic(newPath, data); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}

	if err := a.deps.Store.Brands.SetLogoPath(ctx, brandID, newPath); err != nil {
		// Roll the orphaned file back so disk and record stay consistent.
		_ = os.Remove(newPath)
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	if oldPath != "" && oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			a.Logger().WarnContext(ctx, "Failed to remove replaced logo",
				"brand_id", brandID, "path", oldPath, "error", err)
		}
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:        stringArg(msg.Payload, "user_id"),
		Action:        "logo_uploaded",
		ResourceType:  "brand",
		ResourceID:    brandID,
		PreviousState: map[string]any{"logo_path": oldPath},
		NewState:      map[string]any{"logo_path": newPath},
		Agent:         a.ID(),
	})
	return models.Ok(map[string]any{
		"brand_id":  brandID,
		"logo_path": newPath,
		"size":      len(data),
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".logo-*")
	if err != nil {
		return fmt.Errorf("create temp logo: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write logo: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close logo: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace logo: %w", err)
	}
	return nil
}

func (a *BrandAgent) deleteBrandLogo(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	brand, err := a.deps.Store.Brands.Get(ctx, brandID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	if brand.LogoPath == "" {
		return models.Errf(models.KindNotFound, "brand %s has no logo", brandID)
	}

	if err := a.deps.Store.Brands.SetLogoPath(ctx, brandID, ""); err != nil {
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	if err := os.Remove(brand.LogoPath); err != nil && !os.IsNotExist(err) {
		a.Logger().WarnContext(ctx, "Failed to remove logo file",
			"brand_id", brandID, "path", brand.LogoPath, "error", err)
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:        stringArg(msg.Payload, "user_id"),
		Action:        "logo_deleted",
		ResourceType:  "brand",
		ResourceID:    brandID,
		PreviousState: map[string]any{"logo_path": brand.LogoPath},
		Agent:         a.ID(),
	})
	return models.Ok(map[string]any{"brand_id": brandID, "deleted": true})
}

func (a *BrandAgent) healthCheck(_ context.Context, _ *models.Message) models.Result {
	return models.Ok(map[string]any{
		"agent":     a.ID(),
		"status":    "healthy",
		"ready":     a.Ready(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *BrandAgent) registerWebhook(ctx context.Context, msg *models.Message) models.Result {
	if a.deps.Webhooks == nil {
		return models.Errf(models.KindInternal, "webhook dispatcher not configured")
	}
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	targetURL, err := requireString(msg.Payload, "url")
	if err != nil {
		return models.Err(err)
	}

	hook, err := a.deps.Webhooks.Register(ctx, brandID, targetURL,
		stringsArg(msg.Payload, "events"), stringArg(msg.Payload, "user_id"))
	if err != nil {
		return models.Err(err)
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       hook.CreatedBy,
		Action:       "webhook_registered",
		ResourceType: "webhook",
		ResourceID:   hook.ID,
		NewState:     map[string]any{"url": hook.URL, "events": hook.Events},
		Agent:        a.ID(),
	})

	// The secret is returned exactly once, at registration.
	return models.Ok(map[string]any{
		"webhook_id": hook.ID,
		"brand_id":   hook.BrandID,
		"url":        hook.URL,
		"events":     hook.Events,
		"secret":     hook.Secret,
	})
}

func (a *BrandAgent) unregisterWebhook(ctx context.Context, msg *models.Message) models.Result {
	if a.deps.Webhooks == nil {
		return models.Errf(models.KindInternal, "webhook dispatcher not configured")
	}
	webhookID, err := requireString(msg.Payload, "webhook_id")
	if err != nil {
		return models.Err(err)
	}
	if err := a.deps.Webhooks.Unregister(ctx, webhookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Err(models.WrapTaskError(models.KindNotFound, err))
		}
		return models.Err(models.WrapTaskError(models.KindInternal, err))
	}
	return models.Ok(map[string]any{"webhook_id": webhookID, "deleted": true})
}

func (a *BrandAgent) onUserCreated(ctx context.Context, msg *models.Message) error {
	brandID := stringArg(msg.Payload, "brand_id")
	if a.deps.Webhooks == nil || brandID == "" {
		return nil
	}
	_, err := a.deps.Webhooks.TriggerEvent(ctx, brandID, "user.created", msg.Payload)
	return err
}

// onContentPublished advances the owning project to published and notifies
// the brand's webhooks.
func (a *BrandAgent) onContentPublished(ctx context.Context, msg *models.Message) error {
	projectID := stringArg(msg.Payload, "project_id")
	if projectID == "" {
		return nil
	}
	project, err := a.deps.Store.Projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != models.ProjectPublished {
		if err := a.deps.Store.Projects.SetStatus(ctx, projectID, models.ProjectPublished); err != nil {
			return err
		}
	}
	if a.deps.Webhooks != nil {
		if _, err := a.deps.Webhooks.TriggerEvent(ctx, project.BrandID, "content.published", msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func brandInfo(b *models.Brand) map[string]any {
	return map[string]any{
		"brand_id":    b.ID,
		"name":        b.Name,
		"website":     b.Website,
		"description": b.Description,
		"logo_path":   b.LogoPath,
		"guidelines":  b.Guidelines,
		"created_by":  b.CreatedBy,
		"created_at":  b.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func projectInfo(p *models.Project) map[string]any {
	return map[string]any{
		"project_id":   p.ID,
		"brand_id":     p.BrandID,
		"name":         p.Name,
		"project_type": p.ProjectType,
		"status":       string(p.Status),
		"assigned_to":  p.AssignedTo,
		"metadata":     p.Metadata,
		"created_by":   p.CreatedBy,
		"created_at":   p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":   p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
