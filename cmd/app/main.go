// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chat-context-service/internal/config"
	"chat-context-service/internal/domain/ports/adapter"
	"chat-context-service/internal/domain/ports/repository"
	aiAdapters "chat-context-service/internal/infra/adapters/ai"
	toolAdapters "chat-context-service/internal/infra/adapters/tools"
	pg "chat-context-service/internal/infra/db/postgres"
	"chat-context-service/internal/infra/logging"
	"chat-context-service/internal/infra/metrics"
	red "chat-context-service/internal/infra/redis"
	"chat-context-service/internal/infra/sched"
	"chat-context-service/internal/infra/storage"
	infrasync "chat-context-service/internal/infra/sync"
	"chat-context-service/internal/infra/web"
	"chat-context-service/internal/usecase"
)

// Set via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, auto-approved tools)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Storage backend ----
	var store repository.StorageProvider
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pg.Connect(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect")
		}
		defer pool.Close()
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("postgres schema")
		}
		store = pg.NewContextRepo(pool, logger)
		logger.Info().Msg("storage backend: postgres")
	default:
		fp, err := storage.NewFileProvider(cfg.Storage.Root, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("file storage")
		}
		store = fp
		logger.Info().Str("root", cfg.Storage.Root).Msg("storage backend: file")
	}

	// ---- Signal fan-out ----
	hub := infrasync.NewHub(logger)
	var publisher adapter.SignalPublisher = hub
	if cfg.Redis.Enabled {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		bus := red.NewSignalBus(redisClient, cfg.Redis.Channel, hub, logger)
		go bus.Run(ctx)
		publisher = bus
		logger.Info().Str("channel", cfg.Redis.Channel).Msg("cross-replica signal bus enabled")
	}

	// ---- AI adapter (OpenAI and/or Gemini, else echo) ----
	var llm adapter.LLMAdapter
	byProvider := map[string]adapter.LLMAdapter{}
	defaultProvider := ""
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBase, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai adapter")
		}
		byProvider["openai"] = oa
		defaultProvider = "openai"
		logger.Info().Str("model", cfg.AI.DefaultModel).Msg("AI adapter: OpenAI")
	}
	if cfg.AI.GeminiKey != "" {
		ga, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini adapter")
		}
		byProvider["gemini"] = ga
		if defaultProvider == "" {
			defaultProvider = "gemini"
		}
		logger.Info().Msg("AI adapter: Gemini")
	}
	switch len(byProvider) {
	case 0:
		llm = aiAdapters.NewNoopAdapter()
		logger.Warn().Msg("no AI provider configured; using echo adapter")
	default:
		llm = aiAdapters.NewMultiAdapter(defaultProvider, byProvider, nil)
	}

	// ---- Tool executors ----
	autoApprove := cfg.Tools.AutoApprove || cfg.Runtime.Dev
	executors := []adapter.ToolExecutor{
		toolAdapters.NewBuiltinExecutor(cfg.Tools.WorkspacePath, autoApprove),
	}
	if cfg.Tools.MCPEndpoint != "" {
		mcpExec, err := toolAdapters.NewMCPExecutorHTTP(ctx, cfg.Tools.MCPEndpoint, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("endpoint", cfg.Tools.MCPEndpoint).Msg("mcp connect")
		}
		defer mcpExec.Close()
		executors = append(executors, mcpExec)
		logger.Info().Str("endpoint", cfg.Tools.MCPEndpoint).Msg("MCP tools attached")
	}
	tools := toolAdapters.NewCompositeExecutor(executors...)

	// ---- Use cases ----
	sessions := usecase.NewSessionManager(store, cfg.Session.IdleTTL, logger)
	actions := usecase.NewActionService(sessions, llm, tools, publisher, cfg.Session.MaxAutoLoop, logger)

	// ---- Idle eviction ----
	worker := sched.NewEvictionWorker(cfg.Session.SweepInterval, sessions, logger)
	go func() { _ = worker.Run(ctx) }()

	// ---- HTTP server ----
	srv := web.NewServer(actions, hub, cfg.Server.APIKey, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	// Flush anything still dirty before exit.
	sessions.Shutdown(shutdownCtx)
}
