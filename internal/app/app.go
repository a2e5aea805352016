package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	msql "timekeep/internal/adapter/mysql"
	"timekeep/internal/adapter/sqlite"
	"timekeep/internal/adapter/webhook"
	"timekeep/internal/config"
	"timekeep/internal/migrate"
	"timekeep/internal/ports"
	"timekeep/internal/usecase"
)

// App wires adapters and use cases.
type App struct {
	log   *slog.Logger
	store ports.EntryStore
	timer *usecase.TimerUseCase
	stats *usecase.StatsUseCase
}

func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	var (
		store ports.EntryStore
		rates ports.RateSource
	)
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.NewStore(cfg.Store.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		store, rates = s, s
	default:
		// Run migrations before opening the store for use.
		if err := migrate.Run(ctx, cfg.Store.MySQLDSN, log); err != nil {
			return nil, err
		}
		s, err := msql.NewStore(ctx, cfg.Store.MySQLDSN, log)
		if err != nil {
			return nil, err
		}
		store, rates = s, s
	}

	var notify ports.Notifier = webhook.Discard{}
	if cfg.Notify.WebhookURL != "" {
		notify = webhook.NewPublisher(cfg.Notify.WebhookURL, log)
	}

	loc, err := time.LoadLocation(cfg.Stats.Timezone)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid STATS_TZ %q: %w", cfg.Stats.Timezone, err)
	}

	timer := &usecase.TimerUseCase{
		Log:   log,
		Store: store,
		Resolver: usecase.RateResolver{
			Source:  rates,
			Default: cfg.Billing.DefaultRate,
		},
		Notify: notify,
	}
	stats := &usecase.StatsUseCase{
		Log:       log,
		Store:     store,
		WeekStart: cfg.Stats.WeekStart,
		Loc:       loc,
	}

	return &App{log: log, store: store, timer: timer, stats: stats}, nil
}

// Close releases the store connection.
func (a *App) Close() error { return a.store.Close() }
