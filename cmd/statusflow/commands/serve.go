package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/statusflow/statusflow/pkg/api"
	"github.com/statusflow/statusflow/pkg/config"
	"github.com/statusflow/statusflow/pkg/engine"
	"github.com/statusflow/statusflow/pkg/policy"
	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/stores"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the statusflow service",
		Long: `Run the HTTP gateway, transition engine and effect executor.

On startup the service migrates the store, recovers any operations left
in flight by a previous run, loads the kind definitions and policy
guards, and serves until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	kinds, err := resource.LoadKindsFile(cfg.KindsFile)
	if err != nil {
		return fmt.Errorf("failed to load kind definitions: %w", err)
	}
	registry, err := resource.NewRegistry(kinds...)
	if err != nil {
		return fmt.Errorf("invalid kind definitions: %w", err)
	}
	logger.Infof("loaded %d kind definitions from %s", len(kinds), cfg.KindsFile)

	watcher, err := config.WatchKinds(cfg.KindsFile, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to watch kind definitions: %w", err)
	}
	defer watcher.Close()

	var guards []engine.Guard
	if cfg.PolicyDir != "" {
		policies, err := policy.LoadDir(cfg.PolicyDir)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		guard, err := policy.NewGuard(logger.Zerolog(), policies...)
		if err != nil {
			return fmt.Errorf("failed to compile policies: %w", err)
		}
		guards = append(guards, guard)
		logger.Infof("loaded %d transition policies from %s", len(policies), cfg.PolicyDir)
	}

	tracker := engine.NewOperationTracker(store, logger, metrics, tracer)
	executor := engine.NewExecutor(engine.ExecutorConfig{
		Workers:       cfg.Engine.Workers,
		EffectTimeout: cfg.Engine.EffectTimeout.Std(),
		QueueSize:     cfg.Engine.QueueSize,
	}, tracker, store, logger, metrics, tracer)
	executor.Start(ctx)
	defer executor.Stop()

	if err := executor.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	eng := engine.NewEngine(engine.Config{
		SyncBudget: cfg.Engine.SyncBudget.Std(),
	}, store, registry, tracker, executor, logger, metrics, tracer, guards...)

	server := api.NewServer(api.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}, eng, store, logger, metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
