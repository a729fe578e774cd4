package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openlumen/openlumen/pkg/api"
	"github.com/openlumen/openlumen/pkg/config"
	"github.com/openlumen/openlumen/pkg/devices"
	"github.com/openlumen/openlumen/pkg/engine"
	"github.com/openlumen/openlumen/pkg/stores"
	"github.com/openlumen/openlumen/pkg/telemetry"
	"github.com/openlumen/openlumen/pkg/workflows"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Run the orchestrator daemon: the workflow scheduler, the HTTP API,
the periodic drift reconciler and the recovery sweep.

On startup the daemon re-enqueues processes interrupted by a previous
shutdown or crash; they resume from their last committed step.`,
		Example: `  # Run with defaults (in-memory device driver, local SQLite)
  lumen serve

  # Run with a config file
  lumen serve --config /etc/openlumen/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}

	return cmd
}

func runServe(ctx context.Context, version string) error {
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	if err := rt.store.Migrate(ctx); err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Enabled:     rt.cfg.Tracing.Enabled,
		Exporter:    rt.cfg.Tracing.Exporter,
		Endpoint:    rt.cfg.Tracing.Endpoint,
		SampleRatio: rt.cfg.Tracing.SampleRatio,
	}, "openlumen", version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shut down tracing")
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promRegistry)

	deviceClient, err := rt.deviceClient()
	if err != nil {
		return err
	}
	inventory := devices.NewMemoryInventory()

	registry := engine.NewRegistry()
	if err := workflows.Register(registry, workflows.Deps{
		Devices:   deviceClient,
		Inventory: inventory,
	}); err != nil {
		return err
	}

	eng := engine.NewEngine(rt.store, registry, engine.Options{
		Logger:  telemetry.ComponentLogger(logger, "engine"),
		Metrics: metrics,
	})
	scheduler := engine.NewScheduler(eng, rt.store, engine.SchedulerConfig{
		Workers:        rt.cfg.Scheduler.Workers,
		LeaseTTL:       rt.cfg.Scheduler.LeaseTTL,
		AcquireTimeout: rt.cfg.Scheduler.AcquireTimeout,
		Logger:         telemetry.ComponentLogger(logger, "scheduler"),
		Metrics:        metrics,
	})
	reconciler := engine.NewReconciler(rt.store, eng, scheduler, deviceClient, engine.ReconcilerConfig{
		Remediate:            rt.cfg.Reconcile.Remediate,
		RemediationWorkflows: workflows.RemediationWorkflows(),
		Logger:               telemetry.ComponentLogger(logger, "reconciler"),
		Metrics:              metrics,
	})

	// Start workers; this also sweeps up processes orphaned by a crash.
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if err := resumePending(ctx, rt.store, scheduler); err != nil {
		return err
	}

	sched := cron.New()
	if rt.cfg.Reconcile.Enabled {
		if _, err := sched.AddFunc(rt.cfg.Reconcile.Schedule, func() {
			if _, err := reconciler.ReconcileAll(ctx); err != nil {
				logger.Error().Err(err).Msg("reconcile pass failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", rt.cfg.Reconcile.Schedule, err)
		}
	}
	// Periodic sweep catches workers that died mid-run after startup, and
	// picks up processes created out-of-band (e.g. by the CLI).
	if _, err := sched.AddFunc("@every 1m", func() {
		if err := scheduler.Recover(ctx); err != nil {
			logger.Error().Err(err).Msg("recovery sweep failed")
		}
		if err := resumePending(ctx, rt.store, scheduler); err != nil {
			logger.Error().Err(err).Msg("pending sweep failed")
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if configPath != "" {
		go watchConfig(ctx, logger)
	}

	server := &http.Server{
		Addr: rt.cfg.API.Listen,
		Handler: api.NewServer(rt.store, eng, scheduler, reconciler,
			promRegistry, telemetry.ComponentLogger(logger, "api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", rt.cfg.API.Listen).Msg("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown failed")
	}

	return nil
}

// resumePending re-enqueues processes that were created or retried before a
// restart but never picked up.
func resumePending(ctx context.Context, store stores.Store, scheduler *engine.Scheduler) error {
	status := stores.ProcessStatusPending
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		procs, err := store.ListProcesses(ctx, nil, &status, pageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to list pending processes: %w", err)
		}
		for _, proc := range procs {
			scheduler.Enqueue(proc.ID, engine.PriorityNormal)
		}
		if len(procs) < pageSize {
			return nil
		}
	}
}

// watchConfig reloads the config file on change. Only the log level is
// applied live; other changes need a restart.
func watchConfig(ctx context.Context, logger zerolog.Logger) {
	err := config.Watch(ctx, configPath, logger, func(cfg *config.Config) {
		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logger.Warn().Str("level", cfg.Log.Level).Msg("ignoring invalid log level")
			return
		}
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", cfg.Log.Level).Msg("log level updated")
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("config watch stopped")
	}
}
