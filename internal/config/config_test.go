package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

const sampleTOML = `
data_dir = "/var/lib/relaycal"
device_id = "laptop"

[log]
level = "debug"
format = "json"

[storage]
profile = "sqlite"

[sync]
schedule = "@every 2m"
strategy = "merge"
batch_size = 20
batch_timeout = "45s"

[sync.merge]
title = "longest"

[[providers]]
name = "iCloud"
server_url = "https://caldav.example.com/"
credential_ref = "icloud"
direction = "pull"

[[providers.calendars]]
path = "/calendars/home/"
primary = true

[[providers.calendars]]
path = "/calendars/archive/"
sync_enabled = false
`

const sampleYAML = `
storage:
  profile: durable-local
sync:
  strategy: remote
  conflict_window: 10s
providers:
  - name: push-source
    kind: webhook
`

func withAPISecrets(t *testing.T) {
	t.Helper()
	t.Setenv("RELAYCAL_JWT_SECRET", "jwt")
	t.Setenv("RELAYCAL_WEBHOOK_SECRET", "hook")
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	withAPISecrets(t)
	cfg, err := Load(writeConfig(t, "relaycal.toml", sampleTOML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DeviceID != "laptop" || cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected top-level config %+v", cfg)
	}
	if cfg.Sync.BatchSize != 20 || cfg.Sync.BatchTimeout != 45*time.Second || cfg.Sync.Schedule != "@every 2m" {
		t.Fatalf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.Sync.Merge.Title != calsync.TitleLongest || cfg.Sync.Merge.Tags != calsync.TagsUnion {
		t.Fatalf("expected merge policy with defaults filled, got %+v", cfg.Sync.Merge)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected one provider, got %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "icloud" || p.Kind != "caldav" || p.Auth != "basic" || p.Direction != calsync.DirectionPull {
		t.Fatalf("unexpected provider %+v", p)
	}
	if len(p.Calendars) != 2 || !p.Calendars[0].Enabled() || p.Calendars[1].Enabled() {
		t.Fatalf("unexpected calendars %+v", p.Calendars)
	}
	state, queue, err := cfg.StorageDSNs()
	if err != nil {
		t.Fatalf("storage dsns failed: %v", err)
	}
	if state != "sqlite:///var/lib/relaycal/relaycal.db" || !strings.HasSuffix(queue, "mutation-queue.json") {
		t.Fatalf("unexpected storage dsns %q %q", state, queue)
	}
	strategy, err := cfg.Strategy()
	if err != nil || strategy.Name() != calsync.StrategyMerge {
		t.Fatalf("unexpected strategy %v %v", strategy, err)
	}
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	withAPISecrets(t)
	cfg, err := Load(writeConfig(t, "relaycal.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.ConflictWindow != 10*time.Second || cfg.Sync.BatchSize != 50 || cfg.Sync.Schedule != calsync.DefaultSyncSchedule {
		t.Fatalf("unexpected sync config %+v", cfg.Sync)
	}
	if cfg.Providers[0].Kind != "webhook" || cfg.Providers[0].Direction != calsync.DirectionTwoWay {
		t.Fatalf("unexpected provider %+v", cfg.Providers[0])
	}
	if cfg.Vault.Path != filepath.Join(".relaycal", "vault.json") || cfg.API.Listen != ":8080" {
		t.Fatalf("unexpected defaults vault=%q listen=%q", cfg.Vault.Path, cfg.API.Listen)
	}
	state, queue, err := cfg.StorageDSNs()
	if err != nil {
		t.Fatalf("storage dsns failed: %v", err)
	}
	if state != "file://.relaycal/state.json" || queue != "file://.relaycal/mutation-queue.json" {
		t.Fatalf("unexpected durable-local dsns %q %q", state, queue)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	withAPISecrets(t)
	t.Setenv("RELAYCAL_STRATEGY", "manual")
	t.Setenv("RELAYCAL_BATCH_SIZE", "7")
	t.Setenv("RELAYCAL_BATCH_TIMEOUT", "not-a-duration")
	t.Setenv("RELAYCAL_STATE_BACKEND_DSN", "memory://")
	cfg, err := Load(writeConfig(t, "relaycal.toml", sampleTOML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.Strategy != "manual" || cfg.Sync.BatchSize != 7 {
		t.Fatalf("expected env overrides, got %+v", cfg.Sync)
	}
	if cfg.Sync.BatchTimeout != 45*time.Second {
		t.Fatalf("expected invalid duration override to be ignored, got %s", cfg.Sync.BatchTimeout)
	}
	state, _, err := cfg.StorageDSNs()
	if err != nil || state != "memory://" {
		t.Fatalf("expected explicit dsn to win over profile, got %q %v", state, err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	withAPISecrets(t)
	cases := map[string]string{
		"unknown strategy":   "[sync]\nstrategy = \"coinflip\"\n",
		"bad merge policy":   "[sync]\nstrategy = \"merge\"\n[sync.merge]\ntitle = \"loudest\"\n",
		"caldav without url": "[[providers]]\nname = \"a\"\ncredential_ref = \"a\"\n",
		"missing credential": "[[providers]]\nname = \"a\"\nserver_url = \"https://x\"\n",
		"duplicate provider": "[[providers]]\nname = \"a\"\nkind = \"webhook\"\n[[providers]]\nname = \"A\"\nkind = \"webhook\"\n",
		"bad direction":      "[[providers]]\nname = \"a\"\nkind = \"webhook\"\ndirection = \"sideways\"\n",
		"bad log format":     "[log]\nformat = \"xml\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, "c.toml", body)); !errors.Is(err, calsync.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
	if _, err := Load(writeConfig(t, "c.ini", "x=1")); err == nil {
		t.Fatalf("expected unsupported extension to fail")
	}
}

func TestValidateRequiresAPISecrets(t *testing.T) {
	t.Setenv("RELAYCAL_JWT_SECRET", "")
	t.Setenv("RELAYCAL_WEBHOOK_SECRET", "")
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, calsync.ErrInvalidInput) || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected missing jwt secret, got %v", err)
	}
	cfg.API.JWTSecret = "jwt"
	if err := cfg.Validate(); !errors.Is(err, calsync.ErrInvalidInput) || !strings.Contains(err.Error(), "webhook_secret") {
		t.Fatalf("expected missing webhook secret, got %v", err)
	}
	cfg.API.WebhookSecret = "hook"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	headless := Default()
	headless.ApplyEnv(func(name string) (string, bool) {
		if name == "RELAYCAL_API_DISABLED" {
			return "true", true
		}
		return "", false
	})
	if err := headless.Validate(); err != nil {
		t.Fatalf("expected disabled api to need no secrets, got %v", err)
	}

	path := writeConfig(t, "relaycal.yaml", sampleYAML)
	if _, err := Load(path); !errors.Is(err, calsync.ErrInvalidInput) {
		t.Fatalf("expected load without secrets to fail, got %v", err)
	}
	cfg, err := LoadHeadless(path)
	if err != nil || !cfg.API.Disabled {
		t.Fatalf("expected headless load to pass, got %+v %v", cfg, err)
	}
}

func TestStorageProfiles(t *testing.T) {
	cfg := Default()
	cfg.Storage.Profile = "production"
	if _, _, err := cfg.StorageDSNs(); err == nil {
		t.Fatalf("expected production profile without dsn to fail")
	}
	cfg.Storage.PostgresDSN = "postgres://localhost/relaycal"
	state, queue, err := cfg.StorageDSNs()
	if err != nil || state != cfg.Storage.PostgresDSN || queue != cfg.Storage.PostgresDSN {
		t.Fatalf("unexpected production dsns %q %q %v", state, queue, err)
	}
	cfg.Storage.Profile = "memory"
	if state, _, _ := cfg.StorageDSNs(); state != "memory://" {
		t.Fatalf("unexpected memory dsn %q", state)
	}
	cfg.Storage.Profile = "floppy"
	if _, _, err := cfg.StorageDSNs(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	withAPISecrets(t)
	path := writeConfig(t, "relaycal.yaml", "sync:\n  strategy: local\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg })
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-changes:
			if cfg.Sync.Strategy != "remote" {
				t.Fatalf("expected reloaded strategy, got %q", cfg.Sync.Strategy)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned error: %v", err)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is registered and observes the change
			if err := os.WriteFile(path, []byte("sync:\n  strategy: remote\n"), 0o600); err != nil {
				t.Fatalf("rewrite failed: %v", err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}
