package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/config"
	"github.com/hazz-dev/availprobe/internal/engine"
	"github.com/hazz-dev/availprobe/internal/obs"
	"github.com/hazz-dev/availprobe/internal/runner"
	"github.com/hazz-dev/availprobe/internal/scheduler"
	"github.com/hazz-dev/availprobe/internal/server"
	"github.com/hazz-dev/availprobe/internal/version"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "availprobe",
		Short:        "Scheduled HTTP availability prober",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file; environment variables override it")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run availability checks on a schedule and serve the status API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.Int("endpoints", len(cfg.URLList())),
		zap.Duration("interval", cfg.Schedule.Interval),
	)

	// 2. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 3. Tracing and telemetry sinks
	otelRT, err := obs.SetupOTel(ctx, otelConfig(cfg))
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelRT.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown", zap.Error(err))
		}
	}()

	sinks, err := buildSinks(cfg, otelRT, logger)
	if err != nil {
		return err
	}
	defer sinks.Close(logger)

	// 4. Build runner and scheduler
	guard := engine.NewGuard(engine.NewOrchestrator(proberFactory(cfg, logger), logger), logger)
	run := runner.New(cfg.RunConfig(), guard, sinks.sinks, runnerOptions(cfg), logger)

	sched := scheduler.New(cfg.Schedule.Interval, run, logger)
	sched.SetRunOnStartup(cfg.Schedule.RunOnStartup)
	sched.Start(ctx)
	logger.Info("scheduler started", zap.Duration("interval", cfg.Schedule.Interval))

	// 5. Status API
	var httpServer *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Address != "" {
		deps := server.Deps{
			Trigger:  func() scheduler.Tick { return sched.Trigger(ctx) },
			Gatherer: sinks.registry,
			Info: server.Info{
				TestName:  cfg.Test.Name,
				Location:  cfg.Test.Location,
				Endpoints: cfg.URLList(),
				Interval:  cfg.Schedule.Interval,
				Version:   version.Version,
			},
		}
		if sinks.store != nil {
			deps.Store = sinks.store
		}
		api := server.New(deps, logger)

		httpServer = &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("listening", zap.String("address", cfg.Server.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// 6. Wait for signal or server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		sched.Wait()
		return fmt.Errorf("HTTP server: %w", err)
	}

	// 7. Graceful shutdown
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown", zap.Error(err))
		}
	}
	sched.Wait()

	logger.Info("shutdown complete")
	return nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one availability check of all configured endpoints",
		RunE:  runOnce,
	}
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Sync()

	sinks, err := buildSinks(cfg, &obs.OTel{}, logger)
	if err != nil {
		return err
	}
	defer sinks.Close(logger)

	return executeRun(cmd.Context(), cmd.OutOrStdout(), cfg, sinks.sinks, logger)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the latest recorded runs from the database",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Telemetry.SQLite.Path == "" {
		return fmt.Errorf("telemetry.sqlite.path is empty; no run history is stored")
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return executeStatus(cmd, db)
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return executeConfig(cmd.OutOrStdout(), cfg)
		},
	}
}
