// Command gateway runs the fieldgate data gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/infra/config"
	"github.com/coachpo/fieldgate/internal/infra/connectors"
	"github.com/coachpo/fieldgate/internal/infra/logging"
	"github.com/coachpo/fieldgate/internal/infra/persistence"
	httpserver "github.com/coachpo/fieldgate/internal/infra/server/http"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

const (
	controlServerShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	storeCloseTimeout            = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, cfgPath, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: $%s or %s)", config.EnvConfigPath, config.DefaultPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// run starts the gateway and blocks until ctx is cancelled.
func run(ctx context.Context, cfgPath string, logOut io.Writer) error {
	configPath := config.ResolvePath(cfgPath)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewWithWriter(appCfg.Logging, logOut)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		zap.String("path", configPath),
		zap.String("env", string(appCfg.Environment)),
		zap.Int("north", len(appCfg.North)),
		zap.Int("south", len(appCfg.South)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}

	store, err := persistence.Open(ctx, appCfg.Database, logger)
	if err != nil {
		shutdownStep(logger, "shutting down telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)
		return fmt.Errorf("open persistence: %w", err)
	}
	logger.Info("persistence ready", zap.String("driver", store.Driver()))

	eng := engine.New(appCfg.DataFolder, connectors.NewRegistry(), store.ScanModes(),
		engine.WithLogger(logger),
		engine.WithMetricsStore(store.Metrics()),
		engine.WithCleanupInterval(appCfg.Engine.CleanupInterval),
		engine.WithMetricsFlushInterval(appCfg.Engine.MetricsFlushInterval),
	)

	if err := register(ctx, eng, appCfg); err != nil {
		performGracefulShutdown(logger, appCfg.Engine.ShutdownTimeout, nil, eng, store, telemetryProvider)
		return err
	}
	if err := eng.Start(ctx); err != nil {
		// Connectors that failed to start stay registered and can be restarted.
		logger.Error("some connectors failed to start", zap.Error(err))
	}

	var lifecycle conc.WaitGroup
	var apiServer *http.Server
	if !appCfg.APIServer.Disabled {
		apiServer, err = startAPIServer(&lifecycle, logger, appCfg, eng)
		if err != nil {
			performGracefulShutdown(logger, appCfg.Engine.ShutdownTimeout, nil, eng, store, telemetryProvider)
			return err
		}
	}

	logger.Info("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	performGracefulShutdown(logger, appCfg.Engine.ShutdownTimeout, apiServer, eng, store, telemetryProvider)
	lifecycle.Wait()
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
	return nil
}

// register declares configured scan modes and connectors on eng.
func register(ctx context.Context, eng *engine.Engine, appCfg config.AppConfig) error {
	for _, spec := range appCfg.ScanModes {
		if _, err := eng.ScanModes().Ensure(ctx, spec.ScanMode()); err != nil {
			return fmt.Errorf("scan mode %s: %w", spec.ID, err)
		}
	}
	for _, cfg := range appCfg.NorthConfigs() {
		if err := eng.AddNorth(ctx, cfg); err != nil {
			return fmt.Errorf("north %s: %w", cfg.ID, err)
		}
	}
	for _, cfg := range appCfg.SouthConfigs() {
		if err := eng.AddSouth(ctx, cfg); err != nil {
			return fmt.Errorf("south %s: %w", cfg.ID, err)
		}
	}
	return nil
}

func initTelemetry(ctx context.Context, logger *zap.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(appCfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func telemetryConfig(appCfg config.AppConfig) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	tc := appCfg.Telemetry
	if tc.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = tc.OTLPEndpoint
		cfg.OTLPInsecure = tc.OTLPInsecure
		cfg.Enabled = tc.EnableMetrics
	}
	if tc.ServiceName != "" {
		cfg.ServiceName = tc.ServiceName
	}
	if tc.ExportInterval > 0 {
		cfg.MetricInterval = tc.ExportInterval
	}
	cfg.Environment = string(appCfg.Environment)
	return cfg
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *zap.Logger, appCfg config.AppConfig, eng *engine.Engine) (*http.Server, error) {
	listener, err := net.Listen("tcp", appCfg.APIServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen control API: %w", err)
	}
	server := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           httpserver.NewHandler(appCfg.Environment, eng),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
		}
	})
	logger.Info("control API listening", zap.String("addr", server.Addr))
	return server, nil
}

func performGracefulShutdown(logger *zap.Logger, timeout time.Duration, server *http.Server, eng *engine.Engine, store *persistence.Store, provider *telemetry.Provider) {
	if server != nil {
		shutdownStep(logger, "stopping control server", controlServerShutdownTimeout, server.Shutdown)
	}
	if eng != nil {
		shutdownStep(logger, "stopping engine", timeout, eng.Stop)
	}
	if store != nil {
		shutdownStep(logger, "closing persistence", storeCloseTimeout, func(context.Context) error {
			return store.Close()
		})
	}
	if provider != nil {
		shutdownStep(logger, "shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
	}
}

func shutdownStep(logger *zap.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("shutdown: " + name)
	if err := fn(stepCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("shutdown: "+name+" timed out", zap.Duration("timeout", timeout))
			return
		}
		logger.Error("shutdown: "+name+" failed", zap.Error(err))
		return
	}
	logger.Info("shutdown: " + name + " completed")
}
