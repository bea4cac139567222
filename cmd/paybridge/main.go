// Command paybridge serves the payment gateway webhook and operator endpoints.
package main

import (
	"context"
	"errors"
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

	"github.com/coachpo/paybridge/internal/app/wiring"
	"github.com/coachpo/paybridge/internal/infra/config"
	httpserver "github.com/coachpo/paybridge/internal/infra/server/http"
	"github.com/coachpo/paybridge/internal/observability"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	serverLoggerPrefix       = "paybridge "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLogger := newServerLogger()
	logger := observability.NewStdLogger(stdLogger, debug)

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		stdLogger.Fatalf("load config: %v", err)
	}
	logger.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("gateway", appCfg.Gateway.BaseURL),
		observability.F("statusPolicy", appCfg.Orders.StatusPolicy))

	telemetryProvider, err := initTelemetry(ctx, stdLogger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		stdLogger.Fatalf("initialize telemetry: %v", err)
	}

	services, err := wiring.Open(ctx, appCfg, logger, stdLogger)
	if err != nil {
		stdLogger.Fatalf("initialise services: %v", err)
	}

	var lifecycle conc.WaitGroup
	server := buildServer(appCfg.APIServer, services, logger)
	startServer(&lifecycle, stdLogger, server)
	logger.Info("webhook server listening", observability.F("addr", server.Addr))

	<-ctx.Done()
	stdLogger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, stdLogger, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		services:   services,
		telemetry:  telemetryProvider,
		logger:     logger,
	})
	stdLogger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	if err != nil {
		os.Exit(1)
	}
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServerLogger() *log.Logger {
	return log.New(os.Stdout, serverLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
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
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildServer(cfg config.APIServerConfig, services *wiring.Services, logger observability.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Notifier:   services.Callbacks,
		Admin:      services.Admin,
		AdminToken: cfg.AdminToken,
		Health:     services.DB,
		Logger:     logger,
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("webhook server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	services   *wiring.Services
	telemetry  *telemetry.Provider
	logger     observability.Logger
}

// performGracefulShutdown runs every step even when an earlier one fails and
// returns the failures joined.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping webhook server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for server goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
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

	if cfg.services != nil {
		logger.Print("shutdown: closing database pool")
		cfg.services.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.AggregateErrors(cfg.logger, "shutdown", failures)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PAYBRIDGE_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
