package main

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
	"github.com/coachpo/pricewatch/internal/infra/config"
	"github.com/coachpo/pricewatch/internal/infra/notify"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestBuildStateStoreBackends(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{name: "memory", cfg: config.StorageConfig{Backend: config.StorageMemory}},
		{name: "file", cfg: config.StorageConfig{Backend: config.StorageFile, Directory: filepath.Join(dir, "files")}},
		{name: "sqlite", cfg: config.StorageConfig{Backend: config.StorageSQLite, SQLitePath: filepath.Join(dir, "nested", "state.db"), Key: "custom"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store, closeStore, err := buildStateStore(ctx, tc.cfg, 10, quietLogger())
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, closeStore()) })

			state := statestore.Default()
			state.WatchedItems = []schema.WatchedItem{{
				ID:           "1",
				Symbol:       "AAPL",
				DisplayName:  "Apple",
				AddedAt:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				PriceHistory: []schema.PricePoint{},
			}}
			require.NoError(t, store.Save(ctx, state))

			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, loaded.WatchedItems, 1)
			require.Equal(t, "AAPL", loaded.WatchedItems[0].Symbol)
		})
	}
}

func TestBuildStateStoreRejectsUnknownBackend(t *testing.T) {
	_, closeStore, err := buildStateStore(context.Background(), config.StorageConfig{Backend: "tape"}, 0, quietLogger())
	require.Error(t, err)
	require.NotNil(t, closeStore)
}

func TestBuildDispatcher(t *testing.T) {
	dispatcher, err := buildDispatcher(config.NotifyConfig{}, quietLogger())
	require.NoError(t, err)
	require.IsType(t, &notify.LogDispatcher{}, dispatcher)

	dispatcher, err = buildDispatcher(config.NotifyConfig{WebhookURL: "https://hooks.example.com/alerts", Timeout: time.Second}, quietLogger())
	require.NoError(t, err)
	require.IsType(t, &notify.WebhookDispatcher{}, dispatcher)

	_, err = buildDispatcher(config.NotifyConfig{WebhookURL: "ftp://example.com"}, quietLogger())
	require.Error(t, err)
}

func TestEngineOptionsMapsConfig(t *testing.T) {
	cfg := config.EngineConfig{
		ThrottleWindow:      2 * time.Second,
		HistoryCap:          50,
		PollInterval:        30 * time.Second,
		PerSymbolFloor:      -1,
		BackstopProbability: 0.25,
		PollConcurrency:     3,
		FetchTimeout:        4 * time.Second,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            time.Minute,
		MaxAttempts:         7,
		MinAttemptInterval:  time.Second,
		ErrorCooldown:       2 * time.Minute,
		SaveDebounce:        3 * time.Second,
	}
	opts := engineOptions(cfg, quietLogger())
	require.Equal(t, 2*time.Second, opts.Watchlist.ThrottleWindow)
	require.Equal(t, 50, opts.Watchlist.HistoryCap)
	require.Equal(t, 30*time.Second, opts.Poller.Interval)
	require.Equal(t, time.Duration(-1), opts.Poller.PerSymbolFloor)
	require.InDelta(t, 0.25, opts.Poller.BackstopProbability, 1e-9)
	require.Equal(t, 3, opts.Poller.MaxConcurrency)
	require.Equal(t, 7, opts.Supervisor.MaxAttempts)
	require.Equal(t, 2*time.Minute, opts.Supervisor.ErrorCooldown)
	require.Equal(t, 3*time.Second, opts.SaveDebounce)
	require.NotNil(t, opts.Logger)
}

func TestBuildFinnhubUsesConfiguredEndpoints(t *testing.T) {
	cfg := config.DefaultAppConfig().Finnhub
	cfg.APIKey = "token"
	client, transport := buildFinnhub(cfg, quietLogger())
	require.NotNil(t, client)
	require.NotNil(t, transport)
}
