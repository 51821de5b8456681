// Command onramp launches the order-placement API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kestrelpay/onramp/internal/app/identity"
	"github.com/kestrelpay/onramp/internal/app/orders"
	"github.com/kestrelpay/onramp/internal/app/quotes"
	"github.com/kestrelpay/onramp/internal/infra/config"
	"github.com/kestrelpay/onramp/internal/infra/persistence"
	"github.com/kestrelpay/onramp/internal/infra/persistence/migrations"
	"github.com/kestrelpay/onramp/internal/infra/persistence/postgres"
	httpserver "github.com/kestrelpay/onramp/internal/infra/server/http"
	"github.com/kestrelpay/onramp/internal/infra/telemetry"
	"github.com/kestrelpay/onramp/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	onrampLoggerPrefix       = "onramp "
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newOnrampLogger()

	appCfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, appCfg.DevMode()))
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, addr=%s", appCfg.Environment, appCfg.Server.Addr)

	telemetry.SetEnvironment(string(appCfg.Environment))
	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pool, err := persistence.Connect(ctx, appCfg.Database.DSN, appCfg.Database.ConnectTimeout)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	if appCfg.Database.Migrate {
		if err := migrations.Apply(ctx, appCfg.Database.DSN, appCfg.Database.MigrationsPath, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	store := postgres.New(pool)
	postgres.ObservePoolMetrics(pool, "primary")

	engineCfg, err := appCfg.EngineConfig()
	if err != nil {
		logger.Fatalf("configure quote engine: %v", err)
	}
	engine := quotes.NewEngine(engineCfg)

	resolver := identity.NewResolver(store.Identities, appCfg.Identity.AnonymousEmail)
	orderService := orders.NewService(store.Orders, engine, resolver)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		engine.Run(ctx, appCfg.Quotes.SweepInterval)
	})

	apiServer := buildAPIServer(appCfg.Server, orderService, engine, store, appCfg.DevMode())
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("onramp started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		appCfg.Server.ShutdownTimeout+lifecycleShutdownTimeout+telemetryShutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		telemetryShutdown: telemetryShutdown,
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

func newOnrampLogger() *log.Logger {
	return log.New(os.Stdout, onrampLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func buildAPIServer(cfg config.ServerConfig, orderService *orders.Service, engine *quotes.Engine, store *postgres.Store, devMode bool) *http.Server {
	handler := httpserver.NewHandler(orderService, engine, store, devMode)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	telemetryShutdown func(context.Context) error
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
		shutdownStep("stopping API server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
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

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
