package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycal/internal/app"
	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/config"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("RELAYCAL_CONFIG")), "config file (.toml, .yaml)")
	interval := flag.Duration("interval", durationEnv("RELAYCAL_SYNC_INTERVAL", 5*time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYCAL_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYCAL_SYNC_TIMEOUT", 0), "per-run timeout (defaults to sync.run_timeout)")
	once := flag.Bool("once", false, "run one sync and exit")
	printResult := flag.Bool("json", false, "print each run result as JSON on stdout")
	flag.Parse()

	cfg, err := config.LoadHeadless(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = cfg.Sync.RunTimeout
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer a.Close()

	enc := json.NewEncoder(os.Stdout)
	run := func() calsync.SyncResult {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		res := a.Engine.Sync(ctx)
		if *printResult {
			_ = enc.Encode(res)
		}
		logResult(logger, res)
		return res
	}

	res := run()
	if *once {
		if !res.Success {
			a.Close()
			os.Exit(1)
		}
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("sync loop stopping", "reason", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func logResult(logger *slog.Logger, res calsync.SyncResult) {
	if res.Skipped {
		logger.Info("sync skipped, another run is active")
		return
	}
	attrs := []any{
		"synced", res.SyncedCount,
		"conflicts", res.ConflictCount,
		"errors", res.ErrorCount,
		"duration", res.Duration,
	}
	if res.Success {
		logger.Info("sync cycle completed", attrs...)
		return
	}
	for _, se := range res.Errors {
		logger.Warn("sync error", "type", se.Type, "provider", se.Provider, "event_id", se.EventID, "retryable", se.Retryable, "message", se.Message)
	}
	logger.Warn("sync cycle finished with errors", attrs...)
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio using sample in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
