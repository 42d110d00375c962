package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	httpserver "github.com/fyrsmithlabs/nutrictx/internal/http"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/schedule"
	"github.com/fyrsmithlabs/nutrictx/internal/services"
	"github.com/fyrsmithlabs/nutrictx/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the context daemon",
	Long: `Run the HTTP API, the ingest workers and, when enabled, the NATS subscriber
and the periodic staleness sweep. SIGINT or SIGTERM triggers a graceful shutdown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

// run starts the daemon and blocks until ctx is cancelled or the HTTP
// server fails.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Build the service registry (store, embedder, tracker, queue, NATS)
//  4. Schedule the staleness sweep
//  5. Start the HTTP server
//
// Shutdown runs in reverse and is bounded by server.shutdown_timeout.
func run(ctx context.Context) (err error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, tel, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("starting nutrictxd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	reg, err := services.NewRegistry(ctx, cfg, zl)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	sched, err := initScheduler(ctx, cfg, reg.Service(), zl)
	if err != nil {
		_ = reg.Close(context.Background())
		_ = tel.Shutdown(context.Background())
		return err
	}

	srv, err := httpserver.NewServer(reg.Service(), zl, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		if sched != nil {
			sched.Stop()
		}
		_ = reg.Close(context.Background())
		_ = tel.Shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		zl.Info("shutdown requested")
	case serveErr := <-errCh:
		if !errors.Is(serveErr, http.ErrServerClosed) {
			err = fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	errs = append(errs, srv.Shutdown(shutdownCtx))
	if sched != nil {
		sched.Stop()
	}
	errs = append(errs, reg.Close(shutdownCtx))
	errs = append(errs, tel.Shutdown(shutdownCtx))
	if shutdownErr := errors.Join(errs...); shutdownErr != nil {
		zl.Error("shutdown incomplete", zap.Error(shutdownErr))
		return errors.Join(err, shutdownErr)
	}
	zl.Info("shutdown complete")
	return err
}

// initObservability builds telemetry first so its OTLP log provider can back
// the logger's OTEL output.
func initObservability(ctx context.Context, cfg *config.Config) (*logging.Logger, *telemetry.Telemetry, error) {
	logCfg, err := logging.ConfigFrom(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	telCfg := telemetry.ConfigFrom(cfg.Telemetry)
	telCfg.LogsEnabled = logCfg.Output.OTEL
	tel, err := telemetry.New(ctx, telCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zl := logger.Underlying()
	if logCfg.Output.OTEL && tel.LoggerProvider() == nil {
		zl.Warn("otel log output requested but no log exporter is running",
			zap.Bool("telemetry_enabled", telCfg.Enabled))
	}
	for _, reason := range tel.Health().Reasons {
		zl.Warn("telemetry degraded", zap.String("reason", reason))
	}
	return logger, tel, nil
}

// initScheduler starts the staleness sweep when it is enabled. It returns
// nil when there is nothing to schedule.
func initScheduler(ctx context.Context, cfg *config.Config, svc *services.Service, logger *zap.Logger) (*schedule.CronScheduler, error) {
	if !cfg.Schedule.Enabled {
		return nil, nil
	}
	ttl := cfg.Staleness.TTL.Duration()
	if ttl <= 0 {
		logger.Warn("staleness sweep disabled: staleness.ttl is not positive")
		return nil, nil
	}

	sched := schedule.NewCronScheduler(logger)
	if err := sched.AddJob(schedule.NewSweepJob(svc, svc, ttl, logger), cfg.Schedule.SweepSpec); err != nil {
		return nil, fmt.Errorf("failed to schedule staleness sweep: %w", err)
	}
	sched.Start(ctx)
	return sched, nil
}
