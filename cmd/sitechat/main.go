package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mpetrov/sitechat/internal/broker"
	"github.com/mpetrov/sitechat/internal/chat"
	"github.com/mpetrov/sitechat/internal/config"
	"github.com/mpetrov/sitechat/internal/hub"
	"github.com/mpetrov/sitechat/internal/ops"
	"github.com/mpetrov/sitechat/internal/provider"
	"github.com/mpetrov/sitechat/internal/server"
	"github.com/mpetrov/sitechat/internal/storage/sqldb"
	"github.com/mpetrov/sitechat/internal/telemetry"
)

const configPath = "config.yaml"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("sitechat", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := sqldb.New(cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An empty broker URL runs the client in disabled mode: publishes
	// become no-ops and no commands are consumed.
	var transport broker.Transport
	if cfg.Broker.URL != "" {
		rt, err := broker.NewRedisTransport(cfg.Broker.URL, cfg.Broker.Consumer, logger)
		if err != nil {
			log.Fatalf("Failed to configure broker transport: %v", err)
		}
		transport = rt
	}
	brk := broker.New(transport, logger,
		broker.WithMaxRetries(cfg.Broker.MaxRetries),
		broker.WithBaseDelay(cfg.Broker.BaseDelay),
	)

	gateway := provider.NewGateway(providerConfig(cfg), logger)
	if gateway.Disabled() {
		logger.Warn("answer provider disabled: no credentials configured")
	}

	router := ops.New(brk, store, ops.Destinations{
		Notifications: cfg.Broker.Destinations.Notifications,
		Auth:          cfg.Broker.Destinations.Auth,
		Moderation:    cfg.Broker.Destinations.Moderation,
		Commands:      cfg.Broker.Destinations.Commands,
	}, logger)
	router.Start()

	if err := brk.Start(ctx); err != nil {
		logger.Error("broker start failed, continuing without operational events",
			slog.String("error", err.Error()))
	}

	connections := hub.New(logger)
	orchestrator := chat.New(chat.Config{
		MaxMessageLen:         cfg.Chat.MaxMessageLen,
		HistoryLimit:          cfg.Chat.HistoryLimit,
		HistoryTokenBudget:    cfg.Chat.HistoryTokenBudget,
		DailyTokenLimit:       cfg.Chat.DailyTokenLimit,
		GlobalDailyTokenLimit: cfg.Chat.GlobalDailyTokenLimit,
	}, store, gateway, connections, router, logger)

	ws := server.NewWSHandler(connections, store, orchestrator, router, logger)
	srv := server.New(cfg.Server.Port, ws, logger)

	// Hot reload re-issues provider credentials and clears the
	// payment-required latch.
	if err := config.Watch(configPath, logger, func(next *config.Config) {
		gateway.Configure(providerConfig(next))
	}); err != nil {
		logger.Error("config watch unavailable", slog.String("error", err.Error()))
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			cancel()
		}
	}()
	logger.Info("sitechat started", slog.Int("port", cfg.Server.Port))
	router.Notify(ctx, "chat backend started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	// Shutdown does not close hijacked websocket connections; end their
	// read loops so no new messages enter the pipeline while it drains.
	connections.CloseAll()
	if err := orchestrator.Close(shutdownCtx); err != nil {
		logger.Error("orchestrator drain error", slog.String("error", err.Error()))
	}
	if err := brk.Close(); err != nil {
		logger.Error("broker close error", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
}

func providerConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		AuthURL:      cfg.Provider.AuthURL,
		APIURL:       cfg.Provider.APIURL,
		Credentials:  cfg.Provider.Credentials,
		Scope:        cfg.Provider.Scope,
		Model:        cfg.Provider.Model,
		SystemPrompt: cfg.Provider.SystemPrompt,
		Timeout:      cfg.Provider.Timeout,
	}
}
