// Command pricewatch runs the watchlist synchronisation engine and its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricewatch/internal/engine"
	"github.com/coachpo/pricewatch/internal/infra/config"
	httpserver "github.com/coachpo/pricewatch/internal/infra/server/http"
	"github.com/coachpo/pricewatch/internal/telemetry"
	"github.com/coachpo/pricewatch/lib/async"
)

const (
	defaultConfigPath            = "config/app.yaml"
	loggerPrefix                 = "pricewatch "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	engineShutdownTimeout        = 10 * time.Second
	notifyShutdownTimeout        = 5 * time.Second
	storeShutdownTimeout         = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Printf("load .env: %v", err)
	}

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, store=%s", appCfg.Environment, appCfg.Storage.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, closeStore, err := buildStateStore(ctx, appCfg.Storage, appCfg.Engine.HistoryCap, logger)
	if err != nil {
		logger.Fatalf("initialise state store: %v", err)
	}

	dispatcher, err := buildDispatcher(appCfg.Notify, logger)
	if err != nil {
		logger.Fatalf("initialise notifications: %v", err)
	}
	notifyPool, err := async.NewPool(appCfg.Notify.Workers, appCfg.Notify.QueueSize)
	if err != nil {
		logger.Fatalf("initialise notification workers: %v", err)
	}
	notifyPool.OnError(func(err error) {
		logger.Printf("notification task: %v", err)
	})

	provider, transport := buildFinnhub(appCfg.Finnhub, logger)
	eng := engine.New(engine.Deps{
		Store:      store,
		Provider:   provider,
		Transport:  transport,
		Dispatcher: dispatcher,
		Submitter:  notifyPool,
	}, engineOptions(appCfg.Engine, logger))

	var lifecycle conc.WaitGroup
	eng.Start(ctx)
	logger.Printf("engine started: watched=%d, live=%t", len(eng.Items()), eng.Settings().LiveMode)

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, eng, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		engine:     eng,
		notify:     notifyPool,
		closeStore: closeStore,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics
	telemetry.SetEnvironment(string(env))

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, eng *engine.Engine, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(env, eng, log.New(logger.Writer(), "http ", logger.Flags()))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	engine     *engine.Engine
	notify     *async.Pool
	closeStore func() error
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.engine != nil {
		shutdownStep("stopping engine and flushing state", engineShutdownTimeout, cfg.engine.Close)
	}

	if cfg.notify != nil {
		shutdownStep("draining notification workers", notifyShutdownTimeout, cfg.notify.Shutdown)
	}

	if cfg.closeStore != nil {
		shutdownStep("closing state store", storeShutdownTimeout, func(context.Context) error {
			return cfg.closeStore()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
