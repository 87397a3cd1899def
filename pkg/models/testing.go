package models

import "time"

// TestStatus is the lifecycle of a content variation test.
type TestStatus string

const (
	TestRunning   TestStatus = "running"
	TestCompleted TestStatus = "completed"
)

// ContentVariation is one candidate rendering of a content brief.
type ContentVariation struct {
	ID       string         `json:"id"`
	Approach string         `json:"approach"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VariationMetrics is the observed (or fabricated) telemetry for one
// variation during a test window.
type VariationMetrics struct {
	VariationID    string  `json:"variation_id"`
	Impressions    int     `json:"impressions"`
	EngagementRate float64 `json:"engagement_rate"`
	ConversionRate float64 `json:"conversion_rate"`
	CompositeScore float64 `json:"composite_score"`
}

// ContentTest is an A/B or multivariate test over stored variations.
// Variations and results live in cache keyed by project id for the test
// window; the test definition itself is ephemeral.
type ContentTest struct {
	ID               string             `json:"test_id"`
	ProjectID        string             `json:"project_id"`
	Variations       []ContentVariation `json:"variations"`
	AudienceSegments []string           `json:"audience_segments"`
	MetricsConfig    map[string]any     `json:"metrics_config,omitempty"`
	StatisticalParams map[string]any    `json:"statistical_params,omitempty"`
	Status           TestStatus         `json:"status"`
	Start            time.Time          `json:"start"`
	End              time.Time          `json:"end"`
	WinnerID         string             `json:"winner_id,omitempty"`
}
