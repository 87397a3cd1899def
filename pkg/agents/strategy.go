package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/models"
)

const calendarCacheTTL = 24 * time.Hour

// StrategyAgent develops content strategies, analyzes competitor websites
// and generates content calendars.
type StrategyAgent struct {
	*agent.BaseAgent
	deps Deps
}

// NewStrategyAgent wires the strategy agent's handlers.
func NewStrategyAgent(deps Deps) *StrategyAgent {
	a := &StrategyAgent{
		BaseAgent: agent.New(StrategyAgentID, deps.Broker, runtimeConfig(deps), deps.logger()),
		deps:      deps,
	}

	a.OnTask("content_strategy_development", a.contentStrategyDevelopment)
	a.OnTask("competitor_analysis", a.competitorAnalysis)
	a.OnTask("content_calendar_creation", a.contentCalendarCreation)

	return a
}

func (a *StrategyAgent) contentStrategyDevelopment(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	topics := stringsArg(msg.Payload, "topics")
	if len(topics) == 0 {
		return models.Errf(models.KindValidation, "topics are required")
	}
	goals := stringsArg(msg.Payload, "goals")
	audience := stringArg(msg.Payload, "target_audience")

	frequencies := floatMapArg(msg.Payload, "frequencies")
	if len(frequencies) == 0 && a.deps.Store != nil {
		if types, err := a.deps.Store.Projects.ListTypes(ctx); err == nil {
			frequencies = map[string]float64{}
			for _, t := range types {
				frequencies[t.Name] = t.DefaultPerWeek
			}
		}
	}

	pillars := make([]map[string]any, 0, len(topics))
	themes := make([]string, 0, len(topics))
	for i, topic := range topics {
		goal := ""
		if len(goals) > 0 {
			goal = goals[i%len(goals)]
		}
		pillars = append(pillars, map[string]any{
			"topic": topic,
			"goal":  goal,
		})
		themes = append(themes, strategicTheme(topic, goal, audience))
	}

	summary := a.narrative(ctx, fmt.Sprintf(
		"Develop a concise content strategy for a brand targeting %q with topics %s and goals %s.",
		audience, strings.Join(topics, ", "), strings.Join(goals, ", ")),
		fmt.Sprintf("Content strategy built on %d pillars (%s) for audience %q.",
			len(topics), strings.Join(topics, ", "), audience))

	return models.Ok(map[string]any{
		"brand_id":              brandID,
		"target_audience":       audience,
		"strategic_themes":      themes,
		"topic_recommendations": topics,
		"pillars":               pillars,
		"posting_frequencies":   frequenciesInfo(frequencies),
		"summary":               summary,
	})
}

// strategicTheme phrases one campaign theme from a pillar.
func strategicTheme(topic, goal, audience string) string {
	switch {
	case goal != "" && audience != "":
		return fmt.Sprintf("Drive %s with %s content for %s", goal, topic, audience)
	case goal != "":
		return fmt.Sprintf("Drive %s with %s content", goal, topic)
	case audience != "":
		return fmt.Sprintf("Position %s for %s", topic, audience)
	default:
		return fmt.Sprintf("Build authority around %s", topic)
	}
}

// narrative asks the text generator and falls back to a deterministic
// summary when the generator is absent or failing.
func (a *StrategyAgent) narrative(ctx context.Context, prompt, fallback string) string {
	if a.deps.LLM == nil {
		return fallback
	}
	out, err := a.deps.LLM.GenerateText(ctx, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		a.Logger().DebugContext(ctx, "Narrative generation fell back to template", "error", err)
		return fallback
	}
	return strings.TrimSpace(out)
}

// competitorAnalysis scrapes competitor websites best-effort and reports
// what each one leads with. Unreachable sites degrade to an empty profile.
func (a *StrategyAgent) competitorAnalysis(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	competitors := stringsArg(msg.Payload, "competitors")
	if len(competitors) == 0 {
		return models.Errf(models.KindValidation, "competitors are required")
	}
	if len(competitors) > 5 {
		competitors = competitors[:5]
	}

	profiles := make([]map[string]any, 0, len(competitors))
	for _, site := range competitors {
		profile := map[string]any{"website": site}
		if a.deps.Scraper != nil {
			e := a.deps.Scraper.Scrape(ctx, site)
			profile["reachable"] = !e.Empty()
			profile["title"] = e.Title
			profile["positioning"] = e.Description
			profile["palette_size"] = len(e.Colors)
		}
		profiles = append(profiles, profile)
	}

	return models.Ok(map[string]any{
		"brand_id":    brandID,
		"competitors": profiles,
		"analyzed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *StrategyAgent) contentCalendarCreation(ctx context.Context, msg *models.Message) models.Result {
	brandID, err := requireString(msg.Payload, "brand_id")
	if err != nil {
		return models.Err(err)
	}
	topics := stringsArg(msg.Payload, "topics")
	if len(topics) == 0 {
		return models.Errf(models.KindValidation, "topics are required")
	}
	frequencies := floatMapArg(msg.Payload, "frequencies")
	if len(frequencies) == 0 {
		return models.Errf(models.KindValidation, "frequencies are required")
	}
	start, err := timeArg(msg.Payload, "start_date")
	if err != nil {
		return models.Err(err)
	}
	end, err := timeArg(msg.Payload, "end_date")
	if err != nil {
		return models.Err(err)
	}
	if start == nil || end == nil {
		return models.Errf(models.KindValidation, "start_date and end_date are required")
	}
	if end.Before(*start) {
		return models.Errf(models.KindValidation, "end_date precedes start_date")
	}

	cal := buildCalendar(topics, frequencies, *start, *end)
	result := map[string]any{
		"brand_id": brandID,
		"weeks":    cal.Weeks,
		"items":    calendarItemsInfo(cal.Items),
		"themes":   calendarThemesInfo(cal.Themes),
		"series":   calendarSeriesInfo(cal.Series),
		"count":    len(cal.Items),
	}

	if a.deps.Cache != nil {
		if err := cache.SetJSON(ctx, a.deps.Cache, "calendar:"+brandID, result, calendarCacheTTL); err != nil {
			a.Logger().WarnContext(ctx, "Failed to cache calendar", "brand_id", brandID, "error", err)
		}
	}
	return models.Ok(result)
}

// calendarItem is one scheduled piece of planned content.
type calendarItem struct {
	Topic       string
	ProjectType string
	Week        int
	ScheduledAt time.Time
	Title       string
}

type calendarTheme struct {
	Month string
	Topic string
}

type calendarSeries struct {
	Topic       string
	ProjectType string
	Parts       int
}

type calendar struct {
	Weeks  int
	Items  []calendarItem
	Themes []calendarTheme
	Series []calendarSeries
}

// buildCalendar distributes items across the weeks of [start, end): each
// project type yields about frequency x weeks items, topics rotate so item i
// of week w uses topics[(w+i) mod |topics|], and nothing lands past end.
// Fractional frequencies accumulate across weeks instead of rounding away.
func buildCalendar(topics []string, frequencies map[string]float64, start, end time.Time) calendar {
	var cal calendar
	if !start.Before(end) || len(topics) == 0 {
		return cal
	}

	types := make([]string, 0, len(frequencies))
	for t := range frequencies {
		types = append(types, t)
	}
	sort.Strings(types)

	for w := 0; start.AddDate(0, 0, 7*w).Before(end); w++ {
		cal.Weeks = w + 1
		weekStart := start.AddDate(0, 0, 7*w)

		for _, projectType := range types {
			freq := frequencies[projectType]
			if freq <= 0 {
				continue
			}
			count := int(math.Floor(freq*float64(w+1))) - int(math.Floor(freq*float64(w)))
			for i := 0; i < count; i++ {
				day := i * 7 / count
				at := weekStart.AddDate(0, 0, day)
				if at.After(end) {
					continue
				}
				topic := topics[(w+i)%len(topics)]
				cal.Items = append(cal.Items, calendarItem{
					Topic:       topic,
					ProjectType: projectType,
					Week:        w + 1,
					ScheduledAt: at,
					Title:       fmt.Sprintf("%s: %s (week %d)", projectType, topic, w+1),
				})
			}
		}
	}

	cal.Themes = monthlyThemes(topics, start, end)
	cal.Series = detectSeries(cal.Items)
	return cal
}

// monthlyThemes emits one campaign theme per topic per month, capped at
// three per month, rotating topics so consecutive months lead differently.
func monthlyThemes(topics []string, start, end time.Time) []calendarTheme {
	var themes []calendarTheme
	perMonth := len(topics)
	if perMonth > 3 {
		perMonth = 3
	}

	month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for k := 0; ; k++ {
		m := month.AddDate(0, k, 0)
		if !m.Before(end) && !(m.Year() == end.Year() && m.Month() == end.Month()) {
			break
		}
		for j := 0; j < perMonth; j++ {
			themes = append(themes, calendarTheme{
				Month: m.Format("2006-01"),
				Topic: topics[(k+j)%len(topics)],
			})
		}
		if m.Year() == end.Year() && m.Month() == end.Month() {
			break
		}
	}
	return themes
}

// detectSeries groups Blog and Email items into multi-part series when a
// (topic, project type) pair has at least three items.
func detectSeries(items []calendarItem) []calendarSeries {
	counts := map[[2]string]int{}
	for _, item := range items {
		t := strings.ToLower(item.ProjectType)
		if t != "blog" && t != "email" {
			continue
		}
		counts[[2]string{item.Topic, item.ProjectType}]++
	}

	var series []calendarSeries
	for key, n := range counts {
		if n >= 3 {
			series = append(series, calendarSeries{Topic: key[0], ProjectType: key[1], Parts: n})
		}
	}
	sort.Slice(series, func(i, j int) bool {
		if series[i].Topic != series[j].Topic {
			return series[i].Topic < series[j].Topic
		}
		return series[i].ProjectType < series[j].ProjectType
	})
	return series
}

func frequenciesInfo(frequencies map[string]float64) map[string]any {
	out := make(map[string]any, len(frequencies))
	for k, v := range frequencies {
		out[k] = v
	}
	return out
}

func calendarItemsInfo(items []calendarItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"topic":        item.Topic,
			"project_type": item.ProjectType,
			"week":         item.Week,
			"scheduled_at": item.ScheduledAt.UTC().Format(time.RFC3339),
			"title":        item.Title,
		})
	}
	return out
}

func calendarThemesInfo(themes []calendarTheme) []map[string]any {
	out := make([]map[string]any, 0, len(themes))
	for _, t := range themes {
		out = append(out, map[string]any{"month": t.Month, "topic": t.Topic})
	}
	return out
}

func calendarSeriesInfo(series []calendarSeries) []map[string]any {
	out := make([]map[string]any, 0, len(series))
	for _, s := range series {
		out = append(out, map[string]any{
			"topic":        s.Topic,
			"project_type": s.ProjectType,
			"parts":        s.Parts,
		})
	}
	return out
}
