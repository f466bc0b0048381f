package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := ApplyEnv(DefaultAppConfig(), mapLookup(map[string]string{
		"PRICEWATCH_ENV":            "prod",
		"FINNHUB_API_KEY":           "key",
		"FINNHUB_WS_URL":            "ws://127.0.0.1:9000",
		"PRICEWATCH_STORE":          "redis",
		"REDIS_ADDR":                "127.0.0.1:6379",
		"PRICEWATCH_RUN_MIGRATIONS": "true",
		"PRICEWATCH_POLL_INTERVAL":  "45s",
		"PRICEWATCH_WEBHOOK_URL":    "https://hooks.example.test/alert",
		"OTEL_ENABLED":              "true",
	}))
	require.NoError(t, cfg.normalise())
	require.NoError(t, cfg.Validate())

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "key", cfg.Finnhub.APIKey)
	require.Equal(t, "ws://127.0.0.1:9000", cfg.Finnhub.StreamURL)
	require.Equal(t, StorageRedis, cfg.Storage.Backend)
	require.Equal(t, "127.0.0.1:6379", cfg.Storage.Redis.Addr)
	require.True(t, cfg.Storage.Database.RunMigrations)
	require.Equal(t, 45*time.Second, cfg.Engine.PollInterval)
	require.Equal(t, "https://hooks.example.test/alert", cfg.Notify.WebhookURL)
	require.True(t, cfg.Telemetry.EnableMetrics)
}

func TestApplyEnvIgnoresBlankAndMalformed(t *testing.T) {
	base := DefaultAppConfig()
	cfg := ApplyEnv(base, mapLookup(map[string]string{
		"FINNHUB_API_KEY":          "   ",
		"PRICEWATCH_POLL_INTERVAL": "soon",
		"OTEL_ENABLED":             "maybe",
	}))
	require.Equal(t, base, cfg)
	require.Equal(t, base, ApplyEnv(base, nil))
}
