// Package app assembles the sync engine, its storage and its providers from a
// loaded configuration. Both binaries start from Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/agentworkforce/relaycal/internal/caldav"
	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/config"
	"github.com/agentworkforce/relaycal/internal/credentials"
)

const userAgent = "relaycal/1"

type Options struct {
	// LookupEnv resolves the vault passphrase variable. Defaults to os.LookupEnv.
	LookupEnv  func(string) (string, bool)
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type App struct {
	Config   *config.Config
	Store    *calsync.Store
	Queue    *calsync.MutationQueue
	Engine   *calsync.Engine
	Ingestor *calsync.Ingestor
	// WebhookProviders names the push-only sources accepted by the API.
	WebhookProviders []string
	Logger           *slog.Logger
}

func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", calsync.ErrInvalidInput)
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stateDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	stateBackend, err := calsync.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	store, err := calsync.NewStoreWithOptions(calsync.StoreOptions{
		StateBackend: stateBackend,
		OwnerID:      cfg.OwnerID,
		DeviceID:     cfg.DeviceID,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	mutationLog, err := calsync.BuildMutationLogFromDSN(queueDSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("mutation log: %w", err)
	}
	queue, err := calsync.NewMutationQueue(ctx, calsync.MutationQueueOptions{
		Log:          mutationLog,
		DeviceID:     store.DeviceID(),
		ClockCounter: store.ClockCounter(),
		Bases:        store.BaseSnapshot,
		Logger:       logger,
	})
	if err != nil {
		_ = mutationLog.Close()
		_ = store.Close()
		return nil, err
	}
	a := &App{Config: cfg, Store: store, Queue: queue, Logger: logger}

	providers, err := a.buildProviders(ctx, lookup, opts.HTTPClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	strategy, err := cfg.Strategy()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	engine, err := calsync.NewEngine(calsync.EngineOptions{
		Store:             store,
		Queue:             queue,
		Providers:         providers,
		Strategy:          strategy,
		BatchSize:         cfg.Sync.BatchSize,
		BatchTimeout:      cfg.Sync.BatchTimeout,
		ConflictWindow:    cfg.Sync.ConflictWindow,
		ParallelProviders: cfg.Sync.ParallelProviders,
		Logger:            logger,
		OnConflictsDetected: func(conflicts []calsync.ConflictRecord) {
			logger.Warn("conflicts detected", "count", len(conflicts))
		},
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = engine
	a.Ingestor = calsync.NewIngestor(calsync.IngestorOptions{
		Store:          store,
		Queue:          queue,
		ConflictWindow: cfg.Sync.ConflictWindow,
		Logger:         logger,
	})
	logger.Info("sync engine ready",
		"device_id", store.DeviceID(),
		"providers", len(providers),
		"webhook_providers", len(a.WebhookProviders),
		"strategy", strategy.Name(),
	)
	return a, nil
}

// ApplyConfig updates the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	strategy, err := cfg.Strategy()
	if err != nil {
		a.Logger.Warn("ignoring reloaded strategy", "error", err)
		return
	}
	a.Engine.SetStrategy(strategy)
}

func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func (a *App) buildProviders(ctx context.Context, lookup func(string) (string, bool), httpClient *http.Client) ([]calsync.RemoteProvider, error) {
	var vault *credentials.Vault
	openVault := func() (*credentials.Vault, error) {
		if vault != nil {
			return vault, nil
		}
		passphrase, _ := lookup(a.Config.Vault.PassphraseEnv)
		if strings.TrimSpace(passphrase) == "" {
			return nil, fmt.Errorf("%s is required to open the credential vault", a.Config.Vault.PassphraseEnv)
		}
		v, err := credentials.Open(a.Config.Vault.Path, passphrase)
		if err != nil {
			return nil, fmt.Errorf("open credential vault: %w", err)
		}
		vault = v
		return vault, nil
	}

	var providers []calsync.RemoteProvider
	for _, p := range a.Config.Providers {
		if p.Kind == "webhook" {
			a.WebhookProviders = append(a.WebhookProviders, p.Name)
			continue
		}
		clientOpts := caldav.ClientOptions{
			Endpoint:   p.ServerURL,
			HomeSet:    p.HomeSet,
			HTTPClient: httpClient,
			UserAgent:  userAgent,
			Logger:     a.Logger.With("provider", p.Name),
		}
		switch p.Auth {
		case "basic":
			v, err := openVault()
			if err != nil {
				return nil, err
			}
			clientOpts.Credentials = v.Basic(p.CredentialRef)
		case "oauth2":
			v, err := openVault()
			if err != nil {
				return nil, err
			}
			clientOpts.TokenSource = newVaultTokenSource(ctx, v, p.CredentialRef, p.OAuth)
		}
		client, err := caldav.NewClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		calendars := make([]caldav.CalendarConfig, 0, len(p.Calendars))
		for _, cal := range p.Calendars {
			calendars = append(calendars, caldav.CalendarConfig{
				Path:        cal.Path,
				Name:        cal.Name,
				Primary:     cal.Primary,
				SyncEnabled: cal.Enabled(),
			})
		}
		adapter, err := caldav.New(caldav.Options{
			Name:      p.Name,
			Direction: p.Direction,
			Client:    client,
			Store:     a.Store,
			Calendars: calendars,
			Logger:    a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		providers = append(providers, adapter)
	}
	return providers, nil
}

// vaultTokenSource exchanges the refresh token kept in the vault for access
// tokens. The refresh token is decrypted only when a new access token is
// needed.
type vaultTokenSource struct {
	ctx   context.Context
	vault *credentials.Vault
	ref   string
	conf  *oauth2.Config
}

func newVaultTokenSource(ctx context.Context, vault *credentials.Vault, ref string, oc config.OAuthConfig) oauth2.TokenSource {
	src := &vaultTokenSource{
		ctx:   ctx,
		vault: vault,
		ref:   ref,
		conf: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Scopes:       oc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  oc.AuthURL,
				TokenURL: oc.TokenURL,
			},
		},
	}
	return oauth2.ReuseTokenSource(nil, src)
}

func (s *vaultTokenSource) Token() (*oauth2.Token, error) {
	secret, err := s.vault.Get(s.ctx, s.ref)
	if err != nil {
		return nil, err
	}
	if secret.Token == "" {
		return nil, fmt.Errorf("credential %s has no refresh token", s.ref)
	}
	return s.conf.TokenSource(s.ctx, &oauth2.Token{RefreshToken: secret.Token}).Token()
}
