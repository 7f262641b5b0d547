package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/careflow/careflow/pkg/config"
	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/plans"
	"github.com/careflow/careflow/pkg/policy"
	"github.com/careflow/careflow/pkg/resolver"
	"github.com/careflow/careflow/pkg/stores"
	"github.com/careflow/careflow/pkg/telemetry"
)

// app holds the engine components shared by serve and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	catalog  *plans.Catalog
	registry *engine.TriggerRegistry
	tasks    *engine.TaskManager
	policies *policy.Engine
	resolver *resolver.Resolver
	executor *engine.ActivityExecutor
	manager  *engine.EventManager
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the document store and applies pending migrations.
func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// loadCatalog loads every plan under dir. Plan files that fail to load or a
// broken hierarchy are reported as one error.
func loadCatalog(dir string, logger zerolog.Logger) (*plans.Catalog, error) {
	catalog, err := plans.NewCatalog(dir, logger)
	if err != nil {
		return nil, err
	}
	if !catalog.LoadAllPlans() {
		return catalog, fmt.Errorf("failed to load plans from %s: %w", dir, catalog.Err())
	}
	if !catalog.ValidatePlanHierarchy() {
		return catalog, fmt.Errorf("invalid plan hierarchy in %s: %w", dir, catalog.Err())
	}
	return catalog, nil
}

// newApp builds the engine without starting any background work. With
// withTelemetry false the console logger is used and no metrics, traces or
// lifecycle events are produced.
func newApp(ctx context.Context, cfg *config.Config, withTelemetry bool) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log.Logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var publisher engine.EventPublisher
	if withTelemetry {
		a.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.logger = a.tel.Logger.Zerolog()
		publisher = a.tel.Events
	}

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	a.catalog, err = loadCatalog(cfg.Plans.Dir, a.logger)
	if err != nil {
		return nil, err
	}

	taskOpts := []engine.TaskManagerOption{
		engine.WithStoreRetry(cfg.StoreRetry.MaxTries, cfg.StoreRetry.InitialInterval, cfg.StoreRetry.MaxInterval),
	}
	if publisher != nil {
		taskOpts = append(taskOpts, engine.WithTaskPublisher(publisher))
	}
	a.registry = engine.NewTriggerRegistry(a.store, a.logger, publisher)
	a.tasks = engine.NewTaskManager(a.store, a.logger, taskOpts...)

	a.resolver, err = resolver.New(cfg.Resolver, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	var execOpts []engine.ExecutorOption
	if cfg.Policy.Enabled {
		a.policies, err = policy.NewEngine(a.logger,
			policy.WithEnvironment(cfg.Environment),
			policy.WithDisabledBuiltins(cfg.Policy.Disabled...),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		execOpts = append(execOpts, engine.WithActivityPolicy(a.policies))
	}
	if a.tel != nil {
		execOpts = append(execOpts, engine.WithActivityObserver(a.tel.Metrics))
	}
	a.executor = engine.NewActivityExecutor(a.tasks, a.catalog, a.resolver, cfg.Executor.Engine(), a.logger, execOpts...)
	a.manager = engine.NewEventManager(a.registry, a.tasks, a.executor, a.catalog, a.logger)

	return a, nil
}

// loadPolicies loads custom policies from the configured directory, watching
// it for changes when asked to.
func (a *app) loadPolicies(ctx context.Context, watch bool) error {
	if a.policies == nil || a.cfg.Policy.Dir == "" {
		return nil
	}
	if watch {
		return a.policies.Watch(ctx, a.cfg.Policy.Dir)
	}
	return a.policies.LoadPolicies(ctx, []string{a.cfg.Policy.Dir})
}

// prepareRegistry removes duplicate definitions, loads the active ones and
// registers every plan's triggers.
func (a *app) prepareRegistry(ctx context.Context) error {
	removed, err := a.registry.CleanupDuplicateEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to clean up duplicate events: %w", err)
	}
	defs, err := a.registry.LoadEventDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load event definitions: %w", err)
	}
	a.logger.Info().Int("duplicates_removed", removed).Int("definitions", len(defs)).Msg("Trigger registry loaded")

	return a.registerPlanEvents(ctx)
}

// registerPlanEvents registers one definition per triggered plan. Every
// failure is attempted and reported.
func (a *app) registerPlanEvents(ctx context.Context) error {
	var errs []error
	for _, def := range a.catalog.EventDefinitions() {
		if _, err := a.registry.RegisterEvent(ctx, def); err != nil {
			errs = append(errs, fmt.Errorf("plan %s: %w", def.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) {
	if a.executor != nil {
		if err := a.executor.Cleanup(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to clean up executions")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}
