package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/coachpo/pricewatch/internal/domain/statestore"
	"github.com/coachpo/pricewatch/internal/engine"
	"github.com/coachpo/pricewatch/internal/infra/adapters/finnhub"
	"github.com/coachpo/pricewatch/internal/infra/config"
	"github.com/coachpo/pricewatch/internal/infra/notify"
	"github.com/coachpo/pricewatch/internal/infra/persistence"
	"github.com/coachpo/pricewatch/internal/infra/persistence/filekv"
	"github.com/coachpo/pricewatch/internal/infra/persistence/migrations"
	"github.com/coachpo/pricewatch/internal/infra/persistence/postgres"
	"github.com/coachpo/pricewatch/internal/infra/persistence/rediskv"
	"github.com/coachpo/pricewatch/internal/infra/persistence/sqlitekv"
)

func subLogger(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

// buildStateStore opens the configured backend. The returned closer releases
// backend connections and is never nil.
func buildStateStore(ctx context.Context, cfg config.StorageConfig, historyCap int, logger *log.Logger) (statestore.Store, func() error, error) {
	noop := func() error { return nil }
	var (
		kv      persistence.KV
		closeKV = noop
	)
	switch cfg.Backend {
	case config.StorageMemory:
		kv = persistence.NewMemoryKV()
	case config.StorageFile:
		store, err := filekv.New(cfg.Directory)
		if err != nil {
			return nil, noop, err
		}
		kv = store
	case config.StorageSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, noop, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		store, err := sqlitekv.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		kv, closeKV = store, store.Close
	case config.StorageRedis:
		store, err := rediskv.Open(ctx, rediskv.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, noop, err
		}
		kv, closeKV = store, store.Close
	case config.StoragePostgres:
		db := cfg.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, subLogger(logger, "migrations ")); err != nil {
				return nil, noop, fmt.Errorf("run migrations: %w", err)
			}
		}
		store, err := postgres.OpenConfig(ctx, postgres.Config{
			DSN:               db.DSN,
			MaxConns:          db.MaxConns,
			MinConns:          db.MinConns,
			MaxConnLifetime:   db.MaxConnLifetime,
			MaxConnIdleTime:   db.MaxConnIdleTime,
			HealthCheckPeriod: db.HealthCheckPeriod,
		})
		if err != nil {
			return nil, noop, err
		}
		kv = store
		closeKV = func() error {
			store.Close()
			return nil
		}
	default:
		return nil, noop, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}

	opts := []persistence.Option{persistence.WithLogger(subLogger(logger, "store "))}
	if key := strings.TrimSpace(cfg.Key); key != "" {
		opts = append(opts, persistence.WithKey(key))
	}
	if historyCap > 0 {
		opts = append(opts, persistence.WithHistoryCap(historyCap))
	}
	return persistence.NewStateStore(kv, opts...), closeKV, nil
}

func buildDispatcher(cfg config.NotifyConfig, logger *log.Logger) (engine.Dispatcher, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return notify.NewLogDispatcher(subLogger(logger, "alert ")), nil
	}
	webhook, err := notify.NewWebhookDispatcher(cfg.WebhookURL, nil, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

// buildFinnhub returns the quote provider and stream transport.
func buildFinnhub(cfg config.FinnhubConfig, logger *log.Logger) (*finnhub.Client, *finnhub.Transport) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Printf("finnhub api key not configured; quote requests will be rejected")
	}
	client := finnhub.NewClient(finnhub.ClientOptions{
		BaseURL:           cfg.RESTURL,
		APIKey:            cfg.APIKey,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		HTTPTimeout:       cfg.HTTPTimeout,
		Logger:            subLogger(logger, "finnhub "),
	})
	transport := finnhub.NewTransport(finnhub.StreamOptions{
		URL:              cfg.StreamURL,
		APIKey:           cfg.APIKey,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Logger:           subLogger(logger, "stream "),
	})
	return client, transport
}

func engineOptions(cfg config.EngineConfig, logger *log.Logger) engine.Options {
	return engine.Options{
		Watchlist: engine.WatchlistOptions{
			ThrottleWindow: cfg.ThrottleWindow,
			HistoryCap:     cfg.HistoryCap,
		},
		Poller: engine.PollerOptions{
			Interval:            cfg.PollInterval,
			PerSymbolFloor:      cfg.PerSymbolFloor,
			BackstopProbability: cfg.BackstopProbability,
			MaxConcurrency:      cfg.PollConcurrency,
			FetchTimeout:        cfg.FetchTimeout,
		},
		Supervisor: engine.SupervisorOptions{
			BaseDelay:          cfg.BaseDelay,
			MaxDelay:           cfg.MaxDelay,
			MaxAttempts:        cfg.MaxAttempts,
			MinAttemptInterval: cfg.MinAttemptInterval,
			ErrorCooldown:      cfg.ErrorCooldown,
		},
		SaveDebounce: cfg.SaveDebounce,
		Logger:       subLogger(logger, "engine "),
	}
}
