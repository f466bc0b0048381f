// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FinnhubConfig configures the quote provider and the streaming transport.
type FinnhubConfig struct {
	APIKey            string        `yaml:"apiKey"`
	RESTURL           string        `yaml:"restURL"`
	StreamURL         string        `yaml:"streamURL"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
}

// EngineConfig tunes the synchronisation engine. Zero values select the
// engine defaults.
type EngineConfig struct {
	ThrottleWindow      time.Duration `yaml:"throttleWindow"`
	HistoryCap          int           `yaml:"historyCap"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	PerSymbolFloor      time.Duration `yaml:"perSymbolFloor"`
	BackstopProbability float64       `yaml:"backstopProbability"`
	PollConcurrency     int           `yaml:"pollConcurrency"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout"`
	BaseDelay           time.Duration `yaml:"baseDelay"`
	MaxDelay            time.Duration `yaml:"maxDelay"`
	MaxAttempts         int           `yaml:"maxAttempts"`
	MinAttemptInterval  time.Duration `yaml:"minAttemptInterval"`
	ErrorCooldown       time.Duration `yaml:"errorCooldown"`
	SaveDebounce        time.Duration `yaml:"saveDebounce"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// RedisConfig addresses the redis state backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StorageConfig selects and configures the state backend.
type StorageConfig struct {
	Backend    StorageBackend `yaml:"backend"`
	Key        string         `yaml:"key"`
	Directory  string         `yaml:"directory"`
	SQLitePath string         `yaml:"sqlitePath"`
	Database   DatabaseConfig `yaml:"database"`
	Redis      RedisConfig    `yaml:"redis"`
}

// NotifyConfig configures alert delivery. Without a webhook URL alerts are logged.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queueSize"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified pricewatch configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Finnhub     FinnhubConfig   `yaml:"finnhub"`
	Engine      EngineConfig    `yaml:"engine"`
	Storage     StorageConfig   `yaml:"storage"`
	Notify      NotifyConfig    `yaml:"notify"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Finnhub: FinnhubConfig{
			RESTURL:           "https://finnhub.io/api/v1",
			StreamURL:         "wss://ws.finnhub.io",
			RequestsPerSecond: 1,
			Burst:             5,
			HTTPTimeout:       10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		Storage: StorageConfig{
			Backend:   StorageFile,
			Directory: "data",
		},
		Notify: NotifyConfig{
			Timeout:   5 * time.Second,
			Workers:   2,
			QueueSize: 64,
		},
		APIServer: APIServerConfig{Addr: ":8890"},
		Telemetry: TelemetryConfig{
			ServiceName:  "pricewatch",
			OTLPInsecure: true,
		},
	}
	if err := cfg.normalise(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Keys
// missing from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to defaults
// otherwise. Environment overrides apply in both cases. The boolean reports
// whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	loaded := true
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, false, err
		}
		cfg = DefaultAppConfig()
		loaded = false
	}
	cfg = ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, loaded, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, loaded, err
	}
	return cfg, loaded, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(c.Environment)

	c.Finnhub.APIKey = strings.TrimSpace(c.Finnhub.APIKey)
	c.Finnhub.RESTURL = strings.TrimRight(strings.TrimSpace(c.Finnhub.RESTURL), "/")
	c.Finnhub.StreamURL = strings.TrimSpace(c.Finnhub.StreamURL)
	if c.Finnhub.Burst <= 0 {
		c.Finnhub.Burst = 1
	}

	c.Storage.Backend = StorageBackend(normalizeIdentifier(string(c.Storage.Backend)))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFile
	}
	c.Storage.Key = strings.TrimSpace(c.Storage.Key)
	if dir := strings.TrimSpace(c.Storage.Directory); dir != "" {
		c.Storage.Directory = filepath.Clean(dir)
	}
	c.Storage.SQLitePath = strings.TrimSpace(c.Storage.SQLitePath)
	if c.Storage.SQLitePath == "" && c.Storage.Directory != "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.Directory, "pricewatch.db")
	}
	c.Storage.Redis.Addr = strings.TrimSpace(c.Storage.Redis.Addr)
	c.Storage.Redis.Prefix = strings.TrimSpace(c.Storage.Redis.Prefix)
	if c.Storage.Backend == StoragePostgres {
		c.Storage.Database.applyDefaults()
	}

	c.Notify.WebhookURL = strings.TrimSpace(c.Notify.WebhookURL)
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 1
	}
	if c.Notify.QueueSize < 0 {
		c.Notify.QueueSize = 0
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Finnhub.RESTURL == "" {
		return fmt.Errorf("finnhub restURL required")
	}
	if c.Finnhub.RequestsPerSecond <= 0 {
		return fmt.Errorf("finnhub requestsPerSecond must be >0")
	}
	if c.Finnhub.HTTPTimeout < 0 || c.Finnhub.HandshakeTimeout < 0 || c.Finnhub.IdleTimeout < 0 {
		return fmt.Errorf("finnhub timeouts must be >=0")
	}

	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.Directory == "" {
			return fmt.Errorf("storage directory required for the file backend")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage sqlitePath required for the sqlite backend")
		}
	case StoragePostgres:
		if err := c.Storage.Database.validate(); err != nil {
			return fmt.Errorf("storage database: %w", err)
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage redis addr required for the redis backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage backend %q not supported", c.Storage.Backend)
	}

	if c.Notify.Timeout < 0 {
		return fmt.Errorf("notify timeout must be >=0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func (c EngineConfig) validate() error {
	if c.HistoryCap < 0 {
		return fmt.Errorf("historyCap must be >=0")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("pollInterval must be >=0")
	}
	if c.BackstopProbability < 0 || c.BackstopProbability > 1 {
		return fmt.Errorf("backstopProbability must be within [0,1]")
	}
	if c.PollConcurrency < 0 {
		return fmt.Errorf("pollConcurrency must be >=0")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.ErrorCooldown < 0 {
		return fmt.Errorf("retry delays must be >=0")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("baseDelay must be <= maxDelay")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must be >=0")
	}
	if c.SaveDebounce < 0 {
		return fmt.Errorf("saveDebounce must be >=0")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
