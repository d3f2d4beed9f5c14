package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycal/internal/app"
	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/httpapi"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("RELAYCAL_CONFIG")), "config file (.toml, .yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer a.Close()

	scheduler, err := calsync.NewScheduler(cfg.Sync.Schedule, a.Engine, cfg.Sync.RunTimeout, logger)
	if err != nil {
		log.Fatalf("failed to initialize scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if *configPath != "" {
		go func() {
			if err := config.Watch(rootCtx, *configPath, logger, a.ApplyConfig); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if cfg.API.Disabled {
		logger.Info("relaycal running without api")
		<-rootCtx.Done()
		return
	}
	server, err := httpapi.NewServerWithConfig(a.Engine, a.Ingestor, serverConfig(cfg, a.WebhookProviders, logger))
	if err != nil {
		log.Fatalf("failed to initialize api: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYCAL_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("relaycal listening", "addr", cfg.API.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func serverConfig(cfg *config.Config, webhookProviders []string, logger *slog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:        cfg.API.JWTSecret,
		OwnerID:          cfg.OwnerID,
		WebhookSecret:    cfg.API.WebhookSecret,
		WebhookMaxSkew:   cfg.API.WebhookMaxSkew,
		WebhookProviders: webhookProviders,
		RateLimitMax:     intEnv("RELAYCAL_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("RELAYCAL_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:     cfg.API.MaxBodyBytes,
		StreamBuffer:     intEnv("RELAYCAL_STREAM_BUFFER", 0),
		Logger:           logger,
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
