package agents

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/integrations"
	"github.com/umt-project/umt/pkg/models"
)

const (
	trackedItemsKey = "engagement:tracked"

	// publishParallelism bounds concurrent per-platform publishes.
	publishParallelism = 4
)

// Platform body limits applied when formatting content for publication.
var platformBodyLimits = map[string]int{
	"twitter":  280,
	"linkedin": 3000,
}

// AdAgent publishes content across platforms, manages ad campaigns and runs
// the engagement monitoring sweep.
type AdAgent struct {
	*agent.BaseAgent
	deps Deps
}

// NewAdAgent wires the ad manager's handlers and the monitoring timer.
func NewAdAgent(deps Deps) *AdAgent {
	a := &AdAgent{
		BaseAgent: agent.New(AdManagerAgentID, deps.Broker, runtimeConfig(deps), deps.logger()),
		deps:      deps,
	}

	a.OnTask("content_publishing", a.contentPublishing)
	a.OnTask("ad_campaign_management", a.adCampaignManagement)
	a.OnTask("engagement_monitoring", a.engagementMonitoring)
	a.OnTask("predictive_analytics", a.predictiveAnalytics)

	a.Every("engagement_sweep", runtimeConfig(deps).MonitoringInterval, func(ctx context.Context) {
		a.sweepOnce(ctx)
	})

	return a
}

// adapterFor resolves an integration's adapter with decrypted credentials.
// The refresh hook delegates to the auth agent so token rotation stays in
// one place.
func (a *AdAgent) adapterFor(ctx context.Context, brandID, platform string) (integrations.Adapter, *models.Integration, error) {
	integ, err := a.deps.Store.Integrations.GetByBrandPlatform(ctx, brandID, platform)
	if err != nil {
		return nil, nil, models.WrapTaskError(models.KindNotFound, err)
	}
	plain, err := a.deps.Cipher.DecryptMap(integ.Credentials)
	if err != nil {
		return nil, nil, models.WrapTaskError(models.KindInternal, err)
	}

	refresh := func(ctx context.Context) (integrations.Credentials, error) {
		resp, err := a.SendTask(ctx, AuthAgentID, "refresh_oauth_token",
			map[string]any{"brand_id": brandID, "platform": platform}, true, 0)
		if err != nil {
			return nil, err
		}
		if resp.Status != models.StatusSuccess {
			return nil, models.NewTaskError(models.KindAuth, "token refresh failed: %s", resp.Error)
		}
		creds := stringMapArg(resp.Result, "credentials")
		if len(creds) == 0 {
			return nil, models.NewTaskError(models.KindAuth, "token refresh returned no credentials")
		}
		return integrations.Credentials(creds), nil
	}

	adapter, err := a.deps.Adapters.New(integ.Platform, integrations.Credentials(plain), refresh)
	if err != nil {
		return nil, nil, err
	}
	return adapter, integ, nil
}

// contentPublishing publishes one content item to each target platform in
// parallel. A platform failure never aborts its siblings; the aggregate is
// success only when every platform succeeded.
func (a *AdAgent) contentPublishing(ctx context.Context, msg *models.Message) models.Result {
	contentID, err := requireString(msg.Payload, "content_id")
	if err != nil {
		return models.Err(err)
	}
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	platforms := stringsArg(msg.Payload, "platforms")
	if len(platforms) == 0 {
		return models.Errf(models.KindValidation, "platforms are required")
	}
	scheduleAt, err := timeArg(msg.Payload, "schedule_at")
	if err != nil {
		return models.Err(err)
	}

	content, err := a.deps.Store.Content.Get(ctx, contentID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}
	if content.Status != models.ContentApproved && content.Status != models.ContentPublished {
		return models.Errf(models.KindConflict,
			"content %s is %s, it must be approved before publishing", contentID, content.Status)
	}

	type platformOutcome struct {
		platform string
		result   *integrations.PublishResult
		err      error
	}
	outcomes := make([]platformOutcome, len(platforms))

	var g errgroup.Group
	g.SetLimit(publishParallelism)
	for i, platform := range platforms {
		g.Go(func() error {
			result, err := a.publishToPlatform(ctx, brandID, platform, content, scheduleAt)
			outcomes[i] = platformOutcome{platform: platform, result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []string
	published := make([]map[string]any, 0, len(platforms))
	failed := make([]map[string]any, 0)
	for _, o := range outcomes {
		if o.err != nil {
			kind := models.KindOf(o.err)
			failed = append(failed, map[string]any{
				"platform":   o.platform,
				"error":      o.err.Error(),
				"error_kind": string(kind),
				"auth_error": kind == models.KindAuth,
			})
			continue
		}
		succeeded = append(succeeded, o.platform)
		published = append(published, map[string]any{
			"platform":    o.platform,
			"external_id": o.result.ExternalID,
			"url":         o.result.URL,
		})
		a.trackItem(ctx, trackedItem{
			Kind: "content", BrandID: brandID, Platform: o.platform,
			ContentID: contentID, ExternalID: o.result.ExternalID,
		})
	}

	status := "success"
	if len(succeeded) < len(platforms) {
		status = "partial"
	}

	if len(succeeded) > 0 {
		if content.Status == models.ContentApproved {
			if err := a.deps.Store.Content.Transition(ctx, contentID, models.ContentPublished); err != nil {
				a.Logger().WarnContext(ctx, "Failed to mark content published",
					"content_id", contentID, "error", err)
			}
		}
		// The published event names only the platforms that succeeded.
		if err := a.BroadcastEvent(ctx, "content.published", map[string]any{
			"content_id": contentID,
			"project_id": content.ProjectID,
			"brand_id":   brandID,
			"platforms":  succeeded,
			"status":     status,
		}); err != nil {
			a.Logger().ErrorContext(ctx, "Failed to broadcast publication",
				"content_id", contentID, "error", err)
		}
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       stringArg(msg.Payload, "user_id"),
		Action:       "content_published",
		ResourceType: "content",
		ResourceID:   contentID,
		NewState:     map[string]any{"status": status, "platforms": succeeded},
		Agent:        a.ID(),
	})

	return models.Ok(map[string]any{
		"content_id": contentID,
		"status":     status,
		"published":  published,
		"failed":     failed,
	})
}

func (a *AdAgent) publishToPlatform(ctx context.Context, brandID, platform string, content *models.Content, scheduleAt *time.Time) (*integrations.PublishResult, error) {
	adapter, _, err := a.adapterFor(ctx, brandID, platform)
	if err != nil {
		return nil, err
	}
	req := formatForPlatform(platform, content, scheduleAt)
	if scheduleAt != nil {
		result, err := adapter.Schedule(ctx, req)
		if !errors.Is(err, integrations.ErrUnsupported) {
			return result, err
		}
		// No native scheduling on this platform: publish immediately.
		a.Logger().DebugContext(ctx, "Platform lacks scheduling, publishing now",
			"platform", platform, "content_id", content.ID)
	}
	return adapter.Publish(ctx, req)
}

// formatForPlatform shapes the content for one platform, truncating the
// body where the platform enforces a hard limit.
func formatForPlatform(platform string, content *models.Content, scheduleAt *time.Time) *integrations.Request {
	body := content.Body
	if limit, ok := platformBodyLimits[platform]; ok {
		runes := []rune(body)
		if len(runes) > limit {
			body = string(runes[:limit-1]) + "…"
		}
	}

	var media []string
	if raw, ok := content.Metadata["media_urls"].([]any); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				media = append(media, s)
			}
		}
	}

	return &integrations.Request{
		ContentID:  content.ID,
		Title:      content.Title,
		Body:       body,
		MediaURLs:  media,
		ScheduleAt: scheduleAt,
		Metadata:   content.Metadata,
	}
}

func (a *AdAgent) adCampaignManagement(ctx context.Context, msg *models.Message) models.Result {
	action, err := requireString(msg.Payload, "action")
	if err != nil {
		return models.Err(err)
	}
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	platform, err := requireString(msg.Payload, "platform")
	if err != nil {
		return models.Err(err)
	}

	adapter, integ, err := a.adapterFor(ctx, brandID, platform)
	if err != nil {
		return models.Err(err)
	}
	if integ.Category != models.CategoryAdvertising {
		return models.Errf(models.KindValidation,
			"platform %s is not an advertising platform", platform)
	}

	settings := mapArg(msg.Payload, "settings")
	name := stringArg(msg.Payload, "name")

	var (
		campaignID = stringArg(msg.Payload, "campaign_id")
		outcome    string
	)
	switch action {
	case "create":
		if name == "" {
			return models.Errf(models.KindValidation, "name is required to create a campaign")
		}
		result, err := adapter.Publish(ctx, &integrations.Request{Title: name, Metadata: settings})
		if err != nil {
			return models.Err(err)
		}
		campaignID = result.ExternalID
		outcome = "created"
		a.trackItem(ctx, trackedItem{
			Kind: "campaign", BrandID: brandID, Platform: platform, ExternalID: campaignID,
		})

	case "update", "pause", "resume":
		if campaignID == "" {
			return models.Errf(models.KindValidation, "campaign_id is required for %s", action)
		}
		req := &integrations.Request{Title: name, Metadata: settings}
		switch action {
		case "pause":
			req.Metadata = map[string]any{"status": "PAUSED"}
			outcome = "paused"
		case "resume":
			req.Metadata = map[string]any{"status": "ACTIVE"}
			outcome = "resumed"
		default:
			outcome = "updated"
		}
		if _, err := adapter.Update(ctx, campaignID, req); err != nil {
			return models.Err(err)
		}

	case "stop":
		if campaignID == "" {
			return models.Errf(models.KindValidation, "campaign_id is required for stop")
		}
		if err := adapter.Delete(ctx, campaignID); err != nil {
			return models.Err(err)
		}
		outcome = "stopped"

	default:
		return models.Errf(models.KindValidation,
			"unknown action %q (create, update, pause, resume, stop)", action)
	}

	recordAudit(ctx, a.deps.Audit, &models.AuditEntry{
		UserID:       stringArg(msg.Payload, "user_id"),
		Action:       "campaign_" + outcome,
		ResourceType: "campaign",
		ResourceID:   campaignID,
		NewState:     map[string]any{"platform": platform, "action": action},
		Agent:        a.ID(),
	})
	return models.Ok(map[string]any{
		"campaign_id": campaignID,
		"platform":    platform,
		"status":      outcome,
	})
}

// trackedItem is one published object watched by the engagement sweep.
type trackedItem struct {
	Kind       string `json:"kind"`
	BrandID    string `json:"brand_id"`
	Platform   string `json:"platform"`
	ContentID  string `json:"content_id,omitempty"`
	ExternalID string `json:"external_id"`
}

func (a *AdAgent) trackedItems(ctx context.Context) []trackedItem {
	if a.deps.Cache == nil {
		return nil
	}
	var items []trackedItem
	if err := cache.GetJSON(ctx, a.deps.Cache, trackedItemsKey, &items); err != nil && !errors.Is(err, cache.ErrMiss) {
		a.Logger().WarnContext(ctx, "Failed to load tracked items", "error", err)
	}
	return items
}

func (a *AdAgent) trackItem(ctx context.Context, item trackedItem) {
	if a.deps.Cache == nil {
		return
	}
	items := a.trackedItems(ctx)
	for _, existing := range items {
		if existing.Platform == item.Platform && existing.ExternalID == item.ExternalID {
			return
		}
	}
	items = append(items, item)
	if err := cache.SetJSON(ctx, a.deps.Cache, trackedItemsKey, items, 0); err != nil {
		a.Logger().WarnContext(ctx, "Failed to track item",
			"platform", item.Platform, "external_id", item.ExternalID, "error", err)
	}
}

// observation is the cached last measurement for one tracked item.
type observation struct {
	Metrics map[string]float64 `json:"metrics"`
	Deltas  map[string]float64 `json:"deltas"`
	At      time.Time          `json:"at"`
}

func observationKey(item trackedItem) string {
	return "engagement:last:" + item.Platform + ":" + item.ExternalID
}

func (a *AdAgent) engagementMonitoring(ctx context.Context, _ *models.Message) models.Result {
	observations, alerts := a.sweepOnce(ctx)
	return models.Ok(map[string]any{
		"observed": len(observations),
		"metrics":  observations,
		"alerts":   alerts,
	})
}

// sweepOnce measures every tracked item, computes deltas against the cached
// previous observation and broadcasts threshold alerts.
func (a *AdAgent) sweepOnce(ctx context.Context) ([]map[string]any, []map[string]any) {
	items := a.trackedItems(ctx)

	var observations []map[string]any
	var alerts []map[string]any
	for _, item := range items {
		adapter, _, err := a.adapterFor(ctx, item.BrandID, item.Platform)
		if err != nil {
			a.Logger().WarnContext(ctx, "Skipping tracked item without adapter",
				"platform", item.Platform, "external_id", item.ExternalID, "error", err)
			continue
		}
		raw, err := adapter.Fetch(ctx, item.ExternalID)
		if err != nil {
			a.Logger().WarnContext(ctx, "Failed to fetch engagement metrics",
				"platform", item.Platform, "external_id", item.ExternalID, "error", err)
			continue
		}
		metrics := numericMetrics(raw)

		var previous observation
		if a.deps.Cache != nil {
			if err := cache.GetJSON(ctx, a.deps.Cache, observationKey(item), &previous); err != nil && !errors.Is(err, cache.ErrMiss) {
				a.Logger().WarnContext(ctx, "Failed to load previous observation",
					"platform", item.Platform, "external_id", item.ExternalID, "error", err)
			}
		}
		deltas := metricDeltas(metrics, previous.Metrics)

		if a.deps.Cache != nil {
			obs := observation{Metrics: metrics, Deltas: deltas, At: time.Now().UTC()}
			if err := cache.SetJSON(ctx, a.deps.Cache, observationKey(item), obs, 0); err != nil {
				a.Logger().WarnContext(ctx, "Failed to cache observation",
					"platform", item.Platform, "external_id", item.ExternalID, "error", err)
			}
		}

		observations = append(observations, map[string]any{
			"platform":    item.Platform,
			"external_id": item.ExternalID,
			"content_id":  item.ContentID,
			"metrics":     metrics,
			"deltas":      deltas,
		})
		alerts = append(alerts, deriveAlerts(item, metrics)...)
	}

	if len(alerts) > 0 {
		if err := a.BroadcastEvent(ctx, "engagement_alerts", map[string]any{
			"alerts": alerts,
			"at":     time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			a.Logger().ErrorContext(ctx, "Failed to broadcast engagement alerts", "error", err)
		}
	}
	return observations, alerts
}

// deriveAlerts applies the alert thresholds: engagement under 1% warns,
// return on ad spend under break-even is critical.
func deriveAlerts(item trackedItem, metrics map[string]float64) []map[string]any {
	var alerts []map[string]any
	if rate, ok := metrics["engagement_rate"]; ok && rate < 1.0 {
		alerts = append(alerts, map[string]any{
			"severity":    "warning",
			"metric":      "engagement_rate",
			"value":       rate,
			"threshold":   1.0,
			"platform":    item.Platform,
			"external_id": item.ExternalID,
		})
	}
	if roas, ok := metrics["roas"]; ok && roas < 1.0 {
		alerts = append(alerts, map[string]any{
			"severity":    "critical",
			"metric":      "roas",
			"value":       roas,
			"threshold":   1.0,
			"platform":    item.Platform,
			"external_id": item.ExternalID,
		})
	}
	return alerts
}

// numericMetrics flattens a platform metrics payload to its numeric fields,
// descending one level into insight-style {"data": [{...}]} envelopes.
func numericMetrics(raw map[string]any) map[string]float64 {
	out := map[string]float64{}
	collect := func(m map[string]any) {
		for k, v := range m {
			if f, ok := v.(float64); ok {
				out[k] = f
			}
		}
	}
	collect(raw)
	if data, ok := raw["data"].([]any); ok && len(data) > 0 {
		if first, ok := data[0].(map[string]any); ok {
			collect(first)
		}
	}
	return out
}

func metricDeltas(current, previous map[string]float64) map[string]float64 {
	deltas := make(map[string]float64, len(current))
	for k, v := range current {
		deltas[k] = v - previous[k]
	}
	return deltas
}

// predictiveAnalytics projects tracked metrics forward by extrapolating the
// last observed per-sweep delta over the requested horizon.
func (a *AdAgent) predictiveAnalytics(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	platformFilter := stringArg(msg.Payload, "platform")
	horizonDays := intArg(msg.Payload, "horizon_days", 30)
	if horizonDays <= 0 {
		return models.Errf(models.KindValidation, "horizon_days must be positive")
	}

	interval := runtimeConfig(a.deps).MonitoringInterval
	if interval <= 0 {
		interval = time.Hour
	}
	sweeps := float64(horizonDays) * float64(24*time.Hour) / float64(interval)

	var projections []map[string]any
	for _, item := range a.trackedItems(ctx) {
		if item.BrandID != brandID {
			continue
		}
		if platformFilter != "" && item.Platform != platformFilter {
			continue
		}
		if a.deps.Cache == nil {
			break
		}

		var last observation
		if err := cache.GetJSON(ctx, a.deps.Cache, observationKey(item), &last); err != nil {
			continue
		}

		projected := make(map[string]float64, len(last.Metrics))
		for k, v := range last.Metrics {
			p := v + last.Deltas[k]*sweeps
			if p < 0 {
				p = 0
			}
			projected[k] = p
		}

		projections = append(projections, map[string]any{
			"platform":       item.Platform,
			"external_id":    item.ExternalID,
			"content_id":     item.ContentID,
			"current":        last.Metrics,
			"projected":      projected,
			"recommendation": recommendFor(projected),
		})
	}

	return models.Ok(map[string]any{
		"brand_id":     brandID,
		"horizon_days": horizonDays,
		"projections":  projections,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func recommendFor(projected map[string]float64) string {
	if roas, ok := projected["roas"]; ok && roas < 1.0 {
		return "rebalance budget toward better performing campaigns"
	}
	if rate, ok := projected["engagement_rate"]; ok && rate < 1.0 {
		return "refresh creative and increase posting frequency"
	}
	return "maintain current mix"
}
