package config

import (
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. Unset or blank variables
// leave the corresponding field untouched; unparsable numbers are ignored.
func ApplyEnv(cfg AppConfig, lookup LookupFunc) AppConfig {
	if lookup == nil {
		return cfg
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	var env string
	str("PRICEWATCH_ENV", &env)
	if env != "" {
		cfg.Environment = Environment(env)
	}
	str("FINNHUB_API_KEY", &cfg.Finnhub.APIKey)
	str("FINNHUB_REST_URL", &cfg.Finnhub.RESTURL)
	str("FINNHUB_WS_URL", &cfg.Finnhub.StreamURL)

	var backend string
	str("PRICEWATCH_STORE", &backend)
	if backend != "" {
		cfg.Storage.Backend = StorageBackend(backend)
	}
	str("PRICEWATCH_DATA_DIR", &cfg.Storage.Directory)
	str("PRICEWATCH_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("DATABASE_URL", &cfg.Storage.Database.DSN)
	str("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	if v, ok := lookup("PRICEWATCH_RUN_MIGRATIONS"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Storage.Database.RunMigrations = parsed
		}
	}

	str("PRICEWATCH_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	str("PRICEWATCH_HTTP_ADDR", &cfg.APIServer.Addr)

	if v, ok := lookup("PRICEWATCH_POLL_INTERVAL"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			cfg.Engine.PollInterval = d
		}
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if v, ok := lookup("OTEL_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Telemetry.EnableMetrics = parsed
		}
	}
	return cfg
}
