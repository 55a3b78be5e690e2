// Package app initializes and holds the coordinator's long-lived services,
// acting as a dependency injection container. It is built once at startup
// from the loaded configuration and handed to the binary's wiring code.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/accounts"
	"github.com/JakeFAU/commentary-coordinator/internal/alert"
	"github.com/JakeFAU/commentary-coordinator/internal/alert/sinks"
	"github.com/JakeFAU/commentary-coordinator/internal/clock/system"
	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
	"github.com/JakeFAU/commentary-coordinator/internal/config"
	"github.com/JakeFAU/commentary-coordinator/internal/schedule"
	"github.com/JakeFAU/commentary-coordinator/internal/state"
	pgstate "github.com/JakeFAU/commentary-coordinator/internal/state/postgres"
	"github.com/JakeFAU/commentary-coordinator/internal/storage"
)

// App holds the shared, long-lived services behind the coordinator: the
// state store, the account rotation manager, the alert fan-out, and the
// optional market-hours gate.
type App struct {
	logger   *zap.Logger
	store    state.Store
	accounts *accounts.Manager
	alerts   *alert.Multi
	market   *schedule.Market
}

// Store exposes the configured persistence backend.
func (a *App) Store() state.Store { return a.store }

// Accounts exposes the credential rotation manager.
func (a *App) Accounts() *accounts.Manager { return a.accounts }

// Alerts exposes the alert sink fan-out.
func (a *App) Alerts() *alert.Multi { return a.alerts }

// Market exposes the trading-window gate; nil when the gate is disabled.
func (a *App) Market() *schedule.Market { return a.market }

// New builds every service the coordinator needs from the configuration.
// It fails fast: a missing credentials file, an unreachable state backend,
// or a misconfigured sink stops startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()

	store, err := newStore(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("initialize state store: %w", err)
	}

	creds, err := commentary.LoadCredentials(cfg.Accounts.CredentialsFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	mgr, err := accounts.New(ctx, creds, store, clock, logger.Named("accounts"),
		accounts.WithDefaultCooldown(cfg.DefaultCooldown()))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize accounts manager: %w", err)
	}
	logger.Info("credential pool loaded",
		zap.Int("accounts", mgr.Count()),
		zap.String("file", cfg.Accounts.CredentialsFile))

	alerts, err := newAlerts(ctx, cfg.Sinks, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var market *schedule.Market
	if cfg.Market.Enabled {
		market, err = schedule.New(schedule.Config{
			Enabled:      true,
			Timezone:     cfg.Market.Timezone,
			OpenHour:     cfg.Market.OpenHour,
			CloseHour:    cfg.Market.CloseHour,
			PreOpenLogin: cfg.Market.PreOpenLogin,
		}, clock, logger.Named("market"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("initialize market gate: %w", err)
		}
	}

	return &App{
		logger:   logger,
		store:    store,
		accounts: mgr,
		alerts:   alerts,
		market:   market,
	}, nil
}

// newStore selects the persistence backend. The memory provider keeps no
// state across restarts and exists for integration environments.
func newStore(ctx context.Context, cfg config.StateConfig) (state.Store, error) {
	switch cfg.Provider {
	case "memory":
		return state.NewMemoryStore(), nil
	case "file":
		return state.NewFileStore(state.FileConfig{Dir: cfg.File.Dir})
	case "postgres":
		return pgstate.New(ctx, pgstate.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown state provider: %s", cfg.Provider)
	}
}

// newAlerts assembles the alert fan-out. The structured log sink is always
// present; the rest join as configuration enables them.
func newAlerts(ctx context.Context, cfg config.SinksConfig, logger *zap.Logger) (*alert.Multi, error) {
	out := []alert.Sink{sinks.NewLogSink(logger.Named("alerts"))}

	if cfg.Telegram.Enabled {
		tg, err := sinks.NewTelegramSink(sinks.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize telegram sink: %w", err)
		}
		out = append(out, tg)
	}
	if cfg.Feed.Enabled {
		feed, err := sinks.NewFeedSink(sinks.FeedConfig{
			URL:    cfg.Feed.URL,
			Name:   cfg.Feed.Name,
			Sender: cfg.Feed.Sender,
			Target: cfg.Feed.Target,
		}, logger.Named("feed"))
		if err != nil {
			return nil, fmt.Errorf("initialize feed sink: %w", err)
		}
		out = append(out, feed)
	}
	if cfg.PubSub.Enabled {
		ps, err := sinks.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub sink: %w", err)
		}
		out = append(out, ps)
	}

	archive, err := newArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("initialize archive sink: %w", err)
	}
	out = append(out, sinks.NewArchiveSink(archive))

	return alert.NewMulti(out...), nil
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig) (storage.Provider, error) {
	switch cfg.Provider {
	case "", "noop":
		return &storage.NoOpProvider{}, nil
	case "local":
		return storage.NewLocalProvider(storage.LocalConfig{BaseDir: cfg.LocalDir})
	case "gcs":
		return storage.NewGCSProvider(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
}

// Close shuts the held services down. Sink and store teardown errors are
// logged, not returned; nothing actionable remains at this point.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if err := a.alerts.Close(ctx); err != nil {
		a.logger.Warn("closing alert sinks", zap.Error(err))
	}
	a.store.Close()
}
