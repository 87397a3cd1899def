package agents

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/credentials"
	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/integrations"
	"github.com/umt-project/umt/pkg/models"
	"github.com/umt-project/umt/pkg/oauth"
	"github.com/umt-project/umt/pkg/store"
	"github.com/umt-project/umt/pkg/webhooks"
)

func testRuntime() *config.RuntimeConfig {
	cfg := config.DefaultRuntimeConfig()
	cfg.ResponseTimeout = 3 * time.Second
	cfg.DrainGrace = time.Second
	// Keep background timers out of the way; tests invoke sweeps directly.
	cfg.HealthCheckInterval = time.Hour
	cfg.MonitoringInterval = time.Hour
	return cfg
}

// env is the shared fixture: an in-memory broker, a mocked database behind
// the real stores, a real cipher, and a started caller agent to drive tasks.
type env struct {
	t      *testing.T
	broker *broker.MemoryBroker
	mock   sqlmock.Sqlmock
	deps   Deps
	caller *agent.BaseAgent
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	// Handlers publish to platforms in parallel, so database calls arrive in
	// no fixed order; expectations are matched by query text and arguments.
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(database.NewClientFromDB(sqlx.NewDb(db, "pgx")))

	cipher, err := credentials.NewCipher([]byte(strings.Repeat("k", 32)), 1)
	require.NoError(t, err)

	cfg := &config.Config{
		Runtime:             testRuntime(),
		Uploads:             config.DefaultUploadConfig(),
		OAuthRegistry:       config.NewOAuthRegistry(nil),
		IntegrationRegistry: config.NewIntegrationRegistry(nil),
	}

	b := broker.NewMemoryBroker()
	deps := Deps{
		Broker:   b,
		Config:   cfg,
		Store:    st,
		Cache:    cache.NewMemoryCache(),
		Cipher:   cipher,
		OAuth:    oauth.NewClient(cfg.OAuthRegistry, nil, nil),
		Adapters: integrations.NewFactory(cfg.IntegrationRegistry, nil, nil),
		Webhooks: webhooks.NewDispatcher(st.Webhooks, nil, nil),
	}

	caller := agent.New("test_orchestrator", b, testRuntime(), nil)
	require.NoError(t, caller.Start(context.Background()))
	t.Cleanup(func() { _ = caller.Stop() })

	return &env{t: t, broker: b, mock: mock, deps: deps, caller: caller}
}

// run builds and starts one concrete agent. Dependency overrides must be
// applied to e.deps before calling.
func (e *env) run(id string) Runnable {
	e.t.Helper()
	a, err := New(id, e.deps)
	require.NoError(e.t, err)
	require.NoError(e.t, a.Start(context.Background()))
	e.t.Cleanup(func() { _ = a.Stop() })
	return a
}

// listen starts a bare agent subscribed to one event type and returns the
// channel its payloads arrive on.
func (e *env) listen(eventType string) <-chan map[string]any {
	e.t.Helper()
	received := make(chan map[string]any, 8)
	l := agent.New("listener_agent", e.broker, testRuntime(), nil)
	l.OnEvent(eventType, func(_ context.Context, msg *models.Message) error {
		received <- msg.Payload
		return nil
	})
	require.NoError(e.t, l.Start(context.Background()))
	e.t.Cleanup(func() { _ = l.Stop() })
	return received
}

func (e *env) send(target, taskType string, payload map[string]any) *models.Message {
	e.t.Helper()
	resp, err := e.caller.SendTask(context.Background(), target, taskType, payload, true, 0)
	require.NoError(e.t, err)
	return resp
}

// sealedCreds encrypts a plaintext credential set the way the store persists
// it, for seeding integration rows.
func (e *env) sealedCreds(plain map[string]string) []byte {
	e.t.Helper()
	sealed, err := e.deps.Cipher.EncryptMap(plain)
	require.NoError(e.t, err)
	data, err := json.Marshal(sealed)
	require.NoError(e.t, err)
	return data
}

var integrationCols = []string{
	"integration_id", "brand_id", "platform", "credentials", "health_status",
	"last_health_check", "token_expires_at", "created_by", "created_at", "updated_at",
}

func (e *env) integrationRows(id, brandID, platform string, plain map[string]string, health string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(integrationCols).
		AddRow(id, brandID, platform, e.sealedCreds(plain), health, nil, nil, "user-1", now, now)
}

var brandCols = []string{
	"brand_id", "name", "website", "description", "logo_path", "guidelines",
	"created_by", "created_at", "updated_at",
}

func brandRows(id, name, logoPath string, guidelines []byte) *sqlmock.Rows {
	if guidelines == nil {
		guidelines = []byte(`{}`)
	}
	now := time.Now().UTC()
	return sqlmock.NewRows(brandCols).
		AddRow(id, name, "https://example.com", "", logoPath, guidelines, "user-1", now, now)
}

var projectCols = []string{
	"project_id", "brand_id", "name", "project_type", "status", "assigned_to",
	"metadata", "created_by", "created_at", "updated_at",
}

func projectRows(id, brandID, projectType, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(projectCols).
		AddRow(id, brandID, "Test Project", projectType, status, "", []byte(`{}`), "user-1", now, now)
}

var contentCols = []string{
	"content_id", "project_id", "title", "body", "status", "metadata",
	"created_at", "updated_at",
}

func contentRows(id, projectID, body, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(contentCols).
		AddRow(id, projectID, "Test Content", body, status, []byte(`{}`), now, now)
}

func sqlmockResult(rows int64) driver.Result {
	return sqlmock.NewResult(0, rows)
}

// uniqueViolation mimics the driver error shape for duplicate keys.
type uniqueViolation struct{}

func (uniqueViolation) Error() string    { return "duplicate key value violates unique constraint" }
func (uniqueViolation) SQLState() string { return "23505" }

// expectationsMet waits for asynchronous handlers (events, webhook fanout)
// to consume every database expectation.
func (e *env) expectationsMet() {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.mock.ExpectationsWereMet() == nil
	}, 3*time.Second, 20*time.Millisecond)
}
