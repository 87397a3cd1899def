// UMT agent runner. One process hosts one or more marketing agents over a
// shared infrastructure stack, plus the optional HTTP task gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/umt-project/umt/pkg/agent"
	"github.com/umt-project/umt/pkg/agents"
	"github.com/umt-project/umt/pkg/api"
	"github.com/umt-project/umt/pkg/apikeys"
	"github.com/umt-project/umt/pkg/audit"
	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/cache"
	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/credentials"
	"github.com/umt-project/umt/pkg/database"
	"github.com/umt-project/umt/pkg/enrich"
	"github.com/umt-project/umt/pkg/integrations"
	"github.com/umt-project/umt/pkg/llm"
	"github.com/umt-project/umt/pkg/oauth"
	"github.com/umt-project/umt/pkg/runner"
	"github.com/umt-project/umt/pkg/store"
	"github.com/umt-project/umt/pkg/webhooks"
)

// Exit codes: 0 normal shutdown, 1 misconfiguration, 2 schema init failure.
const (
	exitMisconfigured = 1
	exitSchemaFailed  = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	allAgents := flag.Bool("all-agents", false,
		"Run every agent in this process")
	serveAPI := flag.Bool("serve-api", true,
		"Serve the HTTP task gateway")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitMisconfigured)
	}

	ids, err := runner.SelectAgents(*allAgents)
	if err != nil {
		slog.Error("Agent selection failed", "error", err)
		os.Exit(exitMisconfigured)
	}
	slog.Info("Starting UMT", "agents", ids, "config_dir", *configDir)

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(exitMisconfigured)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		if errors.Is(err, database.ErrSchemaInit) {
			os.Exit(exitSchemaFailed)
		}
		os.Exit(exitMisconfigured)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL")

	var c cache.Cache
	if url := os.Getenv("REDIS_URL"); url != "" {
		redisCache, err := cache.NewRedisCache(ctx, url)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(exitMisconfigured)
		}
		defer func() { _ = redisCache.Close() }()
		c = redisCache
		slog.Info("Connected to Redis")
	} else {
		slog.Warn("REDIS_URL not set, using in-process cache; rate limits and " +
			"engagement state will not survive restarts or span replicas")
		c = cache.NewMemoryCache()
	}

	cipher, err := credentials.NewCipherFromEnv()
	if err != nil {
		slog.Error("Failed to load credential cipher", "error", err)
		os.Exit(exitMisconfigured)
	}

	var generator llm.Generator
	if gen, err := llm.NewOpenAIGenerator(nil); err != nil {
		slog.Warn("LLM generator unavailable, content falls back to templates", "error", err)
	} else {
		generator = gen
	}

	st := store.New(dbClient)
	deps := agents.Deps{
		Config:   cfg,
		Store:    st,
		Cache:    c,
		Cipher:   cipher,
		OAuth:    oauth.NewClient(cfg.OAuthRegistry, nil, nil),
		Adapters: integrations.NewFactory(cfg.IntegrationRegistry, nil, nil),
		Webhooks: webhooks.NewDispatcher(st.Webhooks, nil, nil),
		Audit:    audit.NewRecorder(dbClient, nil),
		LLM:      generator,
		Scraper:  enrich.NewScraper(nil, nil),
	}

	supervisor := runner.New(deps, func(ctx context.Context) (broker.Broker, error) {
		return broker.Connect(ctx, cfg.Broker)
	}, nil)

	if *serveAPI {
		gatewayBroker, err := broker.Connect(ctx, cfg.Broker)
		if err != nil {
			slog.Error("Failed to connect gateway broker", "error", err)
			os.Exit(exitMisconfigured)
		}
		defer func() { _ = gatewayBroker.Close() }()

		gateway := agent.New("api_gateway", gatewayBroker, cfg.Runtime, nil)
		if err := gateway.Start(ctx); err != nil {
			slog.Error("Failed to start gateway agent", "error", err)
			os.Exit(exitMisconfigured)
		}
		defer func() { _ = gateway.Stop() }()

		server := api.NewServer(gateway, apikeys.NewService(st.APIKeys, c, nil), nil)
		addr := ":" + getEnv("HTTP_PORT", "8080")
		go func() {
			if err := server.Run(ctx, addr); err != nil {
				slog.Error("API server stopped", "error", err)
				stop()
			}
		}()
	}

	if err := supervisor.Run(ctx, ids); err != nil {
		slog.Error("Supervisor failed", "error", err)
		os.Exit(exitMisconfigured)
	}
	slog.Info("Shutdown complete")
}
