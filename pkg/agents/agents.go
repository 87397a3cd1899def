// Package agents implements the five concrete agents on top of the shared
// runtime: auth & integrations, brand & projects, content strategy, content
// creation & testing, and content & ad management. Each agent is a thin
// handler registry; domain logic lives in the supporting packages.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/umt-project/umt/pkg/audit"
	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/credentials"
	"github.com/umt-project/umt/pkg/enrich"
	"github.com/umt-project/umt/pkg/integrations"
	"github.com/umt-project/umt/pkg/llm"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/oauth"
	"github.com/umt-project/umt/pkg/store"
	"github.com/umt-project/umt/pkg/webhooks"
)

// Agent identities double as task-queue names and routing keys.
const (
	AuthAgentID      = "auth_integration_agent"
	BrandAgentID     = "brand_project_agent"
	StrategyAgentID  = "content_strategy_agent"
	CreationAgentID  = "content_creation_agent"
	AdManagerAgentID = "content_ad_agent"
)

// All returns every concrete agent id in start order.
func All() []string {
	return []string{
		AuthAgentID,
		BrandAgentID,
		StrategyAgentID,
		CreationAgentID,
		AdManagerAgentID,
	}
}

// Runnable is the lifecycle surface the runner drives.
type Runnable interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Ready() bool
}

// Deps carries the shared infrastructure injected into every agent. The
// runner builds one Deps per agent so each owns its broker connection.
type Deps struct {
	Broker   broker.Broker
	Config   *config.Config
	Store    *store.Store
	Cache    cache.Cache
	Cipher   *credentials.Cipher
	OAuth    oauth.Exchanger
	Adapters *integrations.Factory
	Webhooks *webhooks.Dispatcher
	Audit    *audit.Recorder
	LLM      llm.Generator
	Scraper  *enrich.Scraper
	Logger   *slog.Logger

	// Metrics overrides the test-telemetry source for the creation agent.
	// Nil selects the fabricated default.
	Metrics MetricsSource
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// New constructs the named agent over its dependencies.
func New(id string, deps Deps) (Runnable, error) {
	switch id {
	case AuthAgentID:
		return NewAuthAgent(deps), nil
	case BrandAgentID:
		return NewBrandAgent(deps), nil
	case StrategyAgentID:
		return NewStrategyAgent(deps), nil
	case CreationAgentID:
		return NewCreationAgent(deps), nil
	case AdManagerAgentID:
		return NewAdAgent(deps), nil
	default:
		return nil, fmt.Errorf("unknown agent id %q", id)
	}
}

func runtimeConfig(deps Deps) *config.RuntimeConfig {
	if deps.Config != nil && deps.Config.Runtime != nil {
		return deps.Config.Runtime
	}
	return config.DefaultRuntimeConfig()
}

// recordAudit writes a best-effort audit entry. The recorder logs its own
// failures; agents never fail a task over the audit trail.
func recordAudit(ctx context.Context, recorder *audit.Recorder, entry *models.AuditEntry) {
	if recorder == nil {
		return
	}
	_ = recorder.Record(ctx, entry)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
