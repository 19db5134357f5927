package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ocloudd/ocloudd/pkg/alarms"
	"github.com/ocloudd/ocloudd/pkg/config"
	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/deploy"
	"github.com/ocloudd/ocloudd/pkg/inventory"
	"github.com/ocloudd/ocloudd/pkg/jobs"
	"github.com/ocloudd/ocloudd/pkg/monitor"
	"github.com/ocloudd/ocloudd/pkg/notify"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the O-Cloud control-plane daemon",
		Long: `Starts every engine component: the SQLite store, the notification
dispatcher, the alarm evaluator with rule hot-reload, the workload
supervisor with its heartbeat loop, the performance-metric scheduler,
the inventory catalog with host utilization snapshots, and the
Prometheus metrics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}
}

func runServe(ctx context.Context, version string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Tracing, "ocloudd", version, "production")
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(store,
		notify.NewHTTPSender(cfg.Notify.CallbackTimeout), logger, metrics, tracer,
		notify.Options{
			MaxAttempts:         cfg.Notify.MaxAttempts,
			BackoffBase:         cfg.Notify.BackoffBase,
			ExpirySweepInterval: cfg.Notify.ExpirySweepInterval,
		})
	dispatcher.Start()

	evaluator, err := alarms.NewEvaluator(ctx, store, dispatcher, logger, metrics)
	if err != nil {
		return err
	}

	var rulesWatcher *config.RulesWatcher
	if cfg.RulesPath != "" {
		rules, err := config.LoadRules(cfg.RulesPath)
		if err != nil {
			return err
		}
		evaluator.SetRules(rules)
		rulesWatcher, err = config.NewRulesWatcher(cfg.RulesPath, logger, evaluator.SetRules)
		if err != nil {
			return err
		}
	}

	tracker := jobs.NewTracker(store, logger)
	supervisor := deploy.NewSupervisor(store, deploy.NewExecBackend(), tracker,
		evaluator, dispatcher, logger, metrics, tracer, deploy.Options{
			SpawnTimeout:      cfg.Timeouts.SpawnTimeout,
			GracePeriod:       cfg.Timeouts.GracePeriod,
			HeartbeatInterval: cfg.Timeouts.HeartbeatInterval,
			LogDir:            cfg.LogDir,
		})
	supervisor.Run(ctx)

	scheduler, err := monitor.NewScheduler(ctx, store, supervisor, evaluator,
		monitor.NewHTTPReportSender(cfg.Notify.CallbackTimeout), dispatcher,
		logger, metrics, tracer, monitor.Options{})
	if err != nil {
		return err
	}
	scheduler.Run(ctx)

	catalog := inventory.NewCatalog(store, dispatcher, logger, cfg.OCloudID)
	if err := catalog.RegisterOCloud(ctx, &core.OCloud{
		ID:   cfg.OCloudID,
		Name: cfg.Name,
	}); err != nil {
		return err
	}
	sampler := inventory.NewSampler(catalog, logger,
		cfg.SnapshotInterval, filepath.Dir(cfg.Database.Path))
	sampler.Run(ctx)

	if err := metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.WithField("ocloud_id", cfg.OCloudID).
		WithField("version", version).
		Info("ocloudd started")

	<-ctx.Done()
	logger.Info("shutting down")

	// Drain in reverse dependency order so nothing publishes into a
	// closed dispatcher.
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	sampler.Stop()
	if err := scheduler.Shutdown(shutCtx); err != nil {
		logger.WithError(err).Warn("scheduler shutdown incomplete")
	}
	if err := supervisor.Shutdown(shutCtx); err != nil {
		logger.WithError(err).Warn("supervisor shutdown incomplete")
	}
	if rulesWatcher != nil {
		_ = rulesWatcher.Close()
	}
	if err := dispatcher.Shutdown(shutCtx); err != nil {
		logger.WithError(err).Warn("dispatcher shutdown incomplete")
	}
	if err := tracer.Shutdown(shutCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown incomplete")
	}

	logger.Info("ocloudd stopped")
	return nil
}
