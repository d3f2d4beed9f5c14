package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`
}

// StorageConfig selects where state and the mutation log live. Explicit DSNs
// take precedence over the profile defaults.
type StorageConfig struct {
	Profile     string `toml:"profile" yaml:"profile"`
	StateDSN    string `toml:"state_dsn" yaml:"state_dsn"`
	QueueDSN    string `toml:"queue_dsn" yaml:"queue_dsn"`
	PostgresDSN string `toml:"postgres_dsn" yaml:"postgres_dsn"`
}

type SyncConfig struct {
	Schedule          string              `toml:"schedule" yaml:"schedule"`
	Strategy          string              `toml:"strategy" yaml:"strategy"`
	Merge             calsync.MergePolicy `toml:"merge" yaml:"merge"`
	BatchSize         int                 `toml:"batch_size" yaml:"batch_size"`
	BatchTimeout      time.Duration       `toml:"batch_timeout" yaml:"batch_timeout"`
	ConflictWindow    time.Duration       `toml:"conflict_window" yaml:"conflict_window"`
	RunTimeout        time.Duration       `toml:"run_timeout" yaml:"run_timeout"`
	ParallelProviders bool                `toml:"parallel_providers" yaml:"parallel_providers"`
}

type VaultConfig struct {
	Path string `toml:"path" yaml:"path"`
	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env"`
}

// APIConfig configures the HTTP surface. Both secrets are required unless
// Disabled is set.
type APIConfig struct {
	Disabled       bool          `toml:"disabled" yaml:"disabled"`
	Listen         string        `toml:"listen" yaml:"listen"`
	JWTSecret      string        `toml:"jwt_secret" yaml:"jwt_secret"`
	WebhookSecret  string        `toml:"webhook_secret" yaml:"webhook_secret"`
	WebhookMaxSkew time.Duration `toml:"webhook_max_skew" yaml:"webhook_max_skew"`
	MaxBodyBytes   int64         `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

type CalendarConfig struct {
	Path    string `toml:"path" yaml:"path"`
	Name    string `toml:"name" yaml:"name"`
	Primary bool   `toml:"primary" yaml:"primary"`
	// SyncEnabled defaults to true when omitted.
	SyncEnabled *bool `toml:"sync_enabled" yaml:"sync_enabled"`
}

func (c CalendarConfig) Enabled() bool {
	return c.SyncEnabled == nil || *c.SyncEnabled
}

type OAuthConfig struct {
	ClientID     string   `toml:"client_id" yaml:"client_id"`
	ClientSecret string   `toml:"client_secret" yaml:"client_secret"`
	AuthURL      string   `toml:"auth_url" yaml:"auth_url"`
	TokenURL     string   `toml:"token_url" yaml:"token_url"`
	Scopes       []string `toml:"scopes" yaml:"scopes"`
}

// ProviderConfig describes one provider connection. Kind "caldav" is synced
// by the engine; kind "webhook" only receives push notifications.
type ProviderConfig struct {
	Name          string            `toml:"name" yaml:"name"`
	Kind          string            `toml:"kind" yaml:"kind"`
	ServerURL     string            `toml:"server_url" yaml:"server_url"`
	HomeSet       string            `toml:"home_set" yaml:"home_set"`
	Auth          string            `toml:"auth" yaml:"auth"`
	CredentialRef string            `toml:"credential_ref" yaml:"credential_ref"`
	OAuth         OAuthConfig       `toml:"oauth" yaml:"oauth"`
	Direction     calsync.Direction `toml:"direction" yaml:"direction"`
	Calendars     []CalendarConfig  `toml:"calendars" yaml:"calendars"`
}

type Config struct {
	DataDir   string           `toml:"data_dir" yaml:"data_dir"`
	DeviceID  string           `toml:"device_id" yaml:"device_id"`
	OwnerID   string           `toml:"owner_id" yaml:"owner_id"`
	Log       LogConfig        `toml:"log" yaml:"log"`
	Storage   StorageConfig    `toml:"storage" yaml:"storage"`
	Sync      SyncConfig       `toml:"sync" yaml:"sync"`
	Vault     VaultConfig      `toml:"vault" yaml:"vault"`
	API       APIConfig        `toml:"api" yaml:"api"`
	Providers []ProviderConfig `toml:"providers" yaml:"providers"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads path, choosing the decoder by extension, then applies defaults
// and RELAYCAL_* environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	return load(path, false)
}

// LoadHeadless is Load for processes that never serve the API.
func LoadHeadless(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, headless bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if headless {
		cfg.API.Disabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err := dec.Decode(cfg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// Normalize fills unset values with defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = ".relaycal"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Storage.Profile = strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = calsync.DefaultSyncSchedule
	}
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = string(calsync.StrategyMerge)
	}
	c.Sync.Merge = c.Sync.Merge.Normalize()
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.BatchTimeout <= 0 {
		c.Sync.BatchTimeout = 30 * time.Second
	}
	if c.Sync.ConflictWindow <= 0 {
		c.Sync.ConflictWindow = 5 * time.Second
	}
	if c.Sync.RunTimeout <= 0 {
		c.Sync.RunTimeout = 5 * time.Minute
	}
	if c.Vault.Path == "" {
		c.Vault.Path = filepath.Join(c.DataDir, "vault.json")
	}
	if c.Vault.PassphraseEnv == "" {
		c.Vault.PassphraseEnv = "RELAYCAL_VAULT_PASSPHRASE"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.WebhookMaxSkew <= 0 {
		c.API.WebhookMaxSkew = 5 * time.Minute
	}
	if c.API.MaxBodyBytes <= 0 {
		c.API.MaxBodyBytes = 1 << 20
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = "caldav"
		}
		p.Auth = strings.ToLower(strings.TrimSpace(p.Auth))
		if p.Auth == "" {
			p.Auth = "basic"
		}
		if p.Direction == "" {
			p.Direction = calsync.DirectionTwoWay
		}
	}
}

func (c *Config) Validate() error {
	if _, err := calsync.ParseStrategy(c.Sync.Strategy, c.Sync.Merge); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", calsync.ErrInvalidInput, c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if !c.API.Disabled {
		if strings.TrimSpace(c.API.JWTSecret) == "" {
			return fmt.Errorf("%w: api.jwt_secret or RELAYCAL_JWT_SECRET is required", calsync.ErrInvalidInput)
		}
		if strings.TrimSpace(c.API.WebhookSecret) == "" {
			return fmt.Errorf("%w: api.webhook_secret or RELAYCAL_WEBHOOK_SECRET is required", calsync.ErrInvalidInput)
		}
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider name is required", calsync.ErrInvalidInput)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate provider %q", calsync.ErrInvalidInput, p.Name)
		}
		seen[p.Name] = true
		switch p.Direction {
		case calsync.DirectionTwoWay, calsync.DirectionPull, calsync.DirectionPush:
		default:
			return fmt.Errorf("%w: provider %s direction %q", calsync.ErrInvalidInput, p.Name, p.Direction)
		}
		switch p.Kind {
		case "caldav":
			if strings.TrimSpace(p.ServerURL) == "" {
				return fmt.Errorf("%w: provider %s needs server_url", calsync.ErrInvalidInput, p.Name)
			}
			switch p.Auth {
			case "basic":
			case "oauth2":
				if strings.TrimSpace(p.OAuth.TokenURL) == "" {
					return fmt.Errorf("%w: provider %s needs oauth.token_url", calsync.ErrInvalidInput, p.Name)
				}
			case "none":
				continue
			default:
				return fmt.Errorf("%w: provider %s auth %q", calsync.ErrInvalidInput, p.Name, p.Auth)
			}
			if strings.TrimSpace(p.CredentialRef) == "" {
				return fmt.Errorf("%w: provider %s needs credential_ref", calsync.ErrInvalidInput, p.Name)
			}
		case "webhook":
		default:
			return fmt.Errorf("%w: provider %s kind %q", calsync.ErrInvalidInput, p.Name, p.Kind)
		}
	}
	return nil
}

// StorageDSNs resolves the state backend and mutation log DSNs from the
// storage profile, with explicit DSNs winning.
func (c *Config) StorageDSNs() (stateDSN, queueDSN string, err error) {
	var profileState, profileQueue string
	switch c.Storage.Profile {
	case "", "custom":
	case "memory", "inmemory":
		profileState, profileQueue = "memory://", "memory://"
	case "durable-local", "local-durable":
		profileState = "file://" + filepath.Join(c.DataDir, "state.json")
		profileQueue = "file://" + filepath.Join(c.DataDir, "mutation-queue.json")
	case "sqlite":
		profileState = "sqlite://" + filepath.Join(c.DataDir, "relaycal.db")
		profileQueue = "file://" + filepath.Join(c.DataDir, "mutation-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("storage.postgres_dsn or RELAYCAL_POSTGRES_DSN is required for profile %s", c.Storage.Profile)
		}
		profileState, profileQueue = dsn, dsn
	default:
		return "", "", fmt.Errorf("unsupported storage profile: %s", c.Storage.Profile)
	}
	stateDSN = strings.TrimSpace(c.Storage.StateDSN)
	if stateDSN == "" {
		stateDSN = profileState
	}
	queueDSN = strings.TrimSpace(c.Storage.QueueDSN)
	if queueDSN == "" {
		queueDSN = profileQueue
	}
	return stateDSN, queueDSN, nil
}

// Strategy builds the configured default resolution strategy.
func (c *Config) Strategy() (calsync.Strategy, error) {
	return calsync.ParseStrategy(c.Sync.Strategy, c.Sync.Merge)
}

// ApplyEnv overlays RELAYCAL_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("RELAYCAL_DATA_DIR", &c.DataDir)
	str("RELAYCAL_DEVICE_ID", &c.DeviceID)
	str("RELAYCAL_OWNER_ID", &c.OwnerID)
	str("RELAYCAL_LOG_LEVEL", &c.Log.Level)
	str("RELAYCAL_LOG_FORMAT", &c.Log.Format)
	str("RELAYCAL_BACKEND_PROFILE", &c.Storage.Profile)
	str("RELAYCAL_STATE_BACKEND_DSN", &c.Storage.StateDSN)
	str("RELAYCAL_QUEUE_DSN", &c.Storage.QueueDSN)
	str("RELAYCAL_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("RELAYCAL_SYNC_SCHEDULE", &c.Sync.Schedule)
	str("RELAYCAL_STRATEGY", &c.Sync.Strategy)
	str("RELAYCAL_VAULT_PATH", &c.Vault.Path)
	str("RELAYCAL_ADDR", &c.API.Listen)
	str("RELAYCAL_JWT_SECRET", &c.API.JWTSecret)
	str("RELAYCAL_WEBHOOK_SECRET", &c.API.WebhookSecret)

	if v, ok := lookup("RELAYCAL_API_DISABLED"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.API.Disabled = b
		} else {
			slog.Warn("invalid environment override", "name", "RELAYCAL_API_DISABLED", "value", v)
		}
	}
	if v, ok := lookup("RELAYCAL_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Sync.BatchSize = n
		} else {
			slog.Warn("invalid environment override", "name", "RELAYCAL_BATCH_SIZE", "value", v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			slog.Warn("invalid environment override", "name", name, "value", v)
			return
		}
		*dst = d
	}
	dur("RELAYCAL_BATCH_TIMEOUT", &c.Sync.BatchTimeout)
	dur("RELAYCAL_CONFLICT_WINDOW", &c.Sync.ConflictWindow)
	dur("RELAYCAL_RUN_TIMEOUT", &c.Sync.RunTimeout)
	dur("RELAYCAL_WEBHOOK_MAX_SKEW", &c.API.WebhookMaxSkew)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", calsync.ErrInvalidInput, level)
	}
}

// NewLogger builds the process logger described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
