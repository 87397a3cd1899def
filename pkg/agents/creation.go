package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/models"
)

const (
	maxVariations = 10
	testCacheTTL  = 24 * time.Hour
)

// Metrics is one variation's observed test telemetry. Rates are percentages.
type Metrics struct {
	EngagementRate float64 `json:"engagement_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// compositeScore weighs engagement over conversion 60/40.
func (m Metrics) compositeScore() float64 {
	return 0.6*m.EngagementRate + 0.4*m.ConversionRate
}

// MetricsSource supplies per-variation telemetry at test completion. The
// default fabricates deterministic metrics; production deployments plug in a
// real analytics feed.
type MetricsSource interface {
	Measure(ctx context.Context, contentID string) (Metrics, error)
}

// fabricatedMetrics derives stable pseudo-random metrics from the content
// id, so repeated measurements of the same variation agree.
type fabricatedMetrics struct{}

func (fabricatedMetrics) Measure(_ context.Context, contentID string) (Metrics, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(contentID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return Metrics{
		EngagementRate: 0.5 + rng.Float64()*9.5,
		ConversionRate: 0.1 + rng.Float64()*4.9,
	}, nil
}

// variationApproaches lists generation angles per project type; variations
// rotate through them round-robin.
var variationApproaches = map[string][]string{
	"blog":   {"how-to guide", "listicle", "case study", "opinion piece"},
	"email":  {"newsletter", "announcement", "nurture sequence"},
	"social": {"question hook", "stat highlight", "behind the scenes"},
	"ads":    {"benefit-led", "urgency-led", "social proof"},
}

var defaultApproaches = []string{"informative", "persuasive", "storytelling"}

func approachesFor(projectType string) []string {
	if list, ok := variationApproaches[strings.ToLower(projectType)]; ok {
		return list
	}
	return defaultApproaches
}

// CreationAgent generates content variations with the text generator and
// runs A/B and multivariate tests over them.
type CreationAgent struct {
	*agent.BaseAgent
	deps    Deps
	metrics MetricsSource
}

// NewCreationAgent wires the creation agent's handlers.
func NewCreationAgent(deps Deps) *CreationAgent {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = fabricatedMetrics{}
	}
	a := &CreationAgent{
		BaseAgent: agent.New(CreationAgentID, deps.Broker, runtimeConfig(deps), deps.logger()),
		deps:      deps,
		metrics:   metrics,
	}

	a.OnTask("ai_content_generation", a.aiContentGeneration)
	a.OnTask("content_testing", a.contentTesting)

	return a
}

func (a *CreationAgent) aiContentGeneration(ctx context.Context, msg *models.Message) models.Result {
	projectID, err := requireString(msg.Payload, "project_id")
	if err != nil {
		return models.Err(err)
	}
	brief, err := requireString(msg.Payload, "brief")
	if err != nil {
		return models.Err(err)
	}
	n := intArg(msg.Payload, "variations", 3)
	if n < 1 || n > maxVariations {
		return models.Errf(models.KindValidation,
			"variations must be between 1 and %d, got %d", maxVariations, n)
	}

	project, err := a.deps.Store.Projects.Get(ctx, projectID)
	if err != nil {
		return models.Err(models.WrapTaskError(models.KindNotFound, err))
	}

	var guidelines map[string]any
	if brand, err := a.deps.Store.Brands.Get(ctx, project.BrandID); err == nil {
		guidelines = brand.Guidelines
	} else {
		a.Logger().WarnContext(ctx, "Generating without brand guidelines",
			"project_id", projectID, "error", err)
	}

	approaches := approachesFor(project.ProjectType)
	variations := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		approach := approaches[i%len(approaches)]
		title, body, generator := a.generateVariation(ctx, brief, guidelines, approach, i)

		content := &models.Content{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Title:     title,
			Body:      body,
			Status:    models.ContentDraft,
			Metadata: map[string]any{
				"approach":        approach,
				"variation_index": i,
				"generator":       generator,
			},
		}
		if err := a.deps.Store.Content.Create(ctx, content); err != nil {
			return models.Err(models.WrapTaskError(models.KindInternal, err))
		}
		variations = append(variations, map[string]any{
			"content_id": content.ID,
			"title":      title,
			"approach":   approach,
			"generator":  generator,
		})
	}

	return models.Ok(map[string]any{
		"project_id": projectID,
		"variations": variations,
		"count":      len(variations),
	})
}

// generateVariation invokes the text generator and parses its structured
// response. Any failure, generator or parse, falls back to the template
// library: quality degrades but the variation-count contract holds.
func (a *CreationAgent) generateVariation(ctx context.Context, brief string, guidelines map[string]any, approach string, index int) (title, body, generator string) {
	if a.deps.LLM == nil {
		title, body = templateVariation(brief, approach, index)
		return title, body, "template"
	}

	out, err := a.deps.LLM.GenerateText(ctx, buildPrompt(brief, guidelines, approach))
	if err != nil {
		a.Logger().WarnContext(ctx, "Generator unavailable, using template",
			"approach", approach, "error", err)
		title, body = templateVariation(brief, approach, index)
		return title, body, "template"
	}

	var parsed struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil || parsed.Body == "" {
		a.Logger().WarnContext(ctx, "Generator response unparseable, using template",
			"approach", approach)
		title, body = templateVariation(brief, approach, index)
		return title, body, "template"
	}
	if parsed.Title == "" {
		parsed.Title = fmt.Sprintf("%s (%s)", brief, approach)
	}
	return parsed.Title, parsed.Body, "llm"
}

func buildPrompt(brief string, guidelines map[string]any, approach string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write marketing content as a %s.\nBrief: %s\n", approach, brief)
	if len(guidelines) > 0 {
		if data, err := json.Marshal(guidelines); err == nil {
			fmt.Fprintf(&b, "Brand guidelines: %s\n", data)
		}
	}
	b.WriteString(`Respond with JSON: {"title": "...", "body": "..."}`)
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// templateVariation is the deterministic fallback library.
func templateVariation(brief, approach string, index int) (title, body string) {
	title = fmt.Sprintf("%s: %s", capitalize(approach), brief)
	body = fmt.Sprintf(
		"Variation %d takes a %s angle on %q. It opens with the core promise, "+
			"develops it with one concrete example, and closes with a clear call to action.",
		index+1, approach, brief)
	return title, body
}

// contentTest is the cached state of a running or completed test.
type contentTest struct {
	ID          string    `json:"test_id"`
	ProjectID   string    `json:"project_id"`
	ContentIDs  []string  `json:"content_ids"`
	Type        string    `json:"type"`
	Allocation  float64   `json:"allocation"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletesAt time.Time `json:"completes_at"`
	WinnerID    string    `json:"winner_content_id,omitempty"`
}

func (a *CreationAgent) contentTesting(ctx context.Context, msg *models.Message) models.Result {
	projectID, err := requireString(msg.Payload, "project_id")
	if err != nil {
		return models.Err(err)
	}
	contentIDs := stringsArg(msg.Payload, "content_ids")
	if len(contentIDs) < 2 {
		return models.Errf(models.KindValidation,
			"a test needs at least 2 variations, got %d", len(contentIDs))
	}

	testType := "ab"
	if len(contentIDs) > 2 {
		testType = "multivariate"
	}
	durationDays := floatArg(msg.Payload, "duration_days", 7)

	now := time.Now().UTC()
	test := &contentTest{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		ContentIDs:  contentIDs,
		Type:        testType,
		Allocation:  100.0 / float64(len(contentIDs)),
		Status:      "running",
		StartedAt:   now,
		CompletesAt: now.Add(time.Duration(durationDays * 24 * float64(time.Hour))),
	}
	a.saveTest(ctx, test)

	// A zero duration completes synchronously; tests and backfills use it.
	if durationDays <= 0 {
		outcome := a.completeTest(ctx, test)
		return models.Ok(outcome)
	}

	delay := time.Until(test.CompletesAt)
	time.AfterFunc(delay, func() {
		if !a.Ready() {
			return
		}
		a.completeTest(context.Background(), test)
	})

	return models.Ok(map[string]any{
		"test_id":      test.ID,
		"project_id":   projectID,
		"type":         testType,
		"status":       test.Status,
		"allocation":   test.Allocation,
		"variants":     len(contentIDs),
		"completes_at": test.CompletesAt.Format(time.RFC3339),
	})
}

// completeTest measures every variation, scores the composite, records the
// winner and broadcasts the outcome.
func (a *CreationAgent) completeTest(ctx context.Context, test *contentTest) map[string]any {
	results := make([]map[string]any, 0, len(test.ContentIDs))
	best := -1.0
	for _, contentID := range test.ContentIDs {
		m, err := a.metrics.Measure(ctx, contentID)
		if err != nil {
			a.Logger().WarnContext(ctx, "Metrics unavailable for variation",
				"test_id", test.ID, "content_id", contentID, "error", err)
			continue
		}
		score := m.compositeScore()
		results = append(results, map[string]any{
			"content_id":      contentID,
			"engagement_rate": m.EngagementRate,
			"conversion_rate": m.ConversionRate,
			"composite_score": score,
		})
		if score > best {
			best = score
			test.WinnerID = contentID
		}
	}

	test.Status = "completed"
	a.saveTest(ctx, test)

	outcome := map[string]any{
		"test_id":           test.ID,
		"project_id":        test.ProjectID,
		"type":              test.Type,
		"status":            test.Status,
		"winner_content_id": test.WinnerID,
		"results":           results,
	}
	if err := a.BroadcastEvent(ctx, "content_test_completed", outcome); err != nil {
		a.Logger().ErrorContext(ctx, "Failed to broadcast test completion",
			"test_id", test.ID, "error", err)
	}
	return outcome
}

func (a *CreationAgent) saveTest(ctx context.Context, test *contentTest) {
	if a.deps.Cache == nil {
		return
	}
	ttl := time.Until(test.CompletesAt) + testCacheTTL
	if err := cache.SetJSON(ctx, a.deps.Cache, "content_test:"+test.ID, test, ttl); err != nil {
		a.Logger().WarnContext(ctx, "Failed to cache test state",
			"test_id", test.ID, "error", err)
	}
}
