package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/careflow/careflow/pkg/config"
	"github.com/careflow/careflow/pkg/engine"
	"github.com/careflow/careflow/pkg/server"
	"github.com/careflow/careflow/pkg/transports/natsbus"
)

func newServeCommand(version string) *cobra.Command {
	var (
		address string
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine and HTTP API",
		Long: `Run the workflow engine.

Startup order:
  - open the store and apply migrations
  - load and validate plans
  - remove duplicate event definitions, then load the registry
  - recover task state left by the previous process
  - start the coordinator, periodic triggers and NATS intake
  - serve the HTTP API and metrics

On SIGINT or SIGTERM the HTTP server drains, queued events finish and
in-progress activities are put on hold.`,
		Example: `  # Serve with defaults
  careflow serve

  # Serve with a config file on another port
  careflow serve --config careflow.yaml --address :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if noWatch {
				cfg.Plans.Watch = false
				cfg.Policy.Watch = false
			}
			cfg.Telemetry.ServiceVersion = version
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "HTTP listen address (overrides server.address)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload plans and policies on change")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()
	logger := a.logger

	if err := a.prepareRegistry(ctx); err != nil {
		return err
	}
	report, err := a.tasks.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover task state: %w", err)
	}
	logger.Info().
		Int("scanned", report.Scanned).
		Int("repaired", len(report.Repaired)).
		Int("interrupted", len(report.Interrupted)).
		Msg("Task state recovered")

	if err := a.loadPolicies(ctx, cfg.Policy.Watch); err != nil {
		return err
	}

	coordinator := engine.NewCoordinator(a.manager, a.tasks, cfg.Coordinator.Engine(), logger,
		engine.WithCoordinatorPublisher(a.tel.Events),
		engine.WithQueueObserver(a.tel.Metrics),
		engine.WithDrainTimeoutHook(func() { holdRunningActivities(a) }),
	)
	periodic := engine.NewPeriodicScheduler(a.registry, coordinator, logger)

	srv := server.New(cfg.Server, server.Deps{
		Workflows:  a.manager,
		Triggers:   a.registry,
		Queue:      coordinator,
		Tasks:      a.tasks,
		Executions: a.executor,
		Health:     a.store,
	},
		server.WithLogger(logger),
		server.WithMetrics(a.tel.Metrics),
		server.WithTracer(a.tel.Tracer),
	)

	if cfg.Plans.Watch {
		a.catalog.OnReload(func() {
			if err := a.registerPlanEvents(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to register reloaded plan triggers")
			}
		})
		if err := a.catalog.Watch(ctx, cfg.Plans.WatchDelay); err != nil {
			return err
		}
	}

	var bus *natsbus.Client
	if cfg.NATS.Enabled {
		bus, err = startNATS(ctx, cfg.NATS, a, coordinator)
		if err != nil {
			return err
		}
		defer bus.Close()
	}

	// Queued workflows outlive the signal so Stop can drain them.
	coordinator.Start(context.WithoutCancel(ctx))
	periodic.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return a.tel.Metrics.Serve(gctx) })

	logger.Info().
		Str("address", cfg.Server.Address).
		Str("environment", cfg.Environment).
		Int("plans", len(a.catalog.Plans())).
		Msg("careflow started")

	runErr := g.Wait()

	logger.Info().Msg("Shutting down")
	periodic.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("Coordinator did not drain")
	}
	return runErr
}

// holdRunningActivities puts activities still running when the drain times
// out on hold, while the store still accepts writes.
func holdRunningActivities(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.executor.Cleanup(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to hold running activities")
	}
}

// startNATS connects to NATS, subscribes the data-change intake and, when a
// stream is configured, forwards lifecycle events to JetStream.
func startNATS(ctx context.Context, cfg config.NATSConfig, a *app, queue *engine.Coordinator) (*natsbus.Client, error) {
	bus, err := natsbus.Connect(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	intake := natsbus.NewDataChangeIntake(cfg.SubjectPrefix, a.manager, queue, a.logger)
	if err := intake.Subscribe(bus.Conn()); err != nil {
		_ = bus.Close()
		return nil, err
	}

	if cfg.Stream != "" {
		streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := bus.EnsureEventStream(streamCtx, cfg.Stream, cfg.EventSubject); err != nil {
			_ = bus.Close()
			return nil, err
		}
		forwarder := natsbus.NewEventForwarder(bus, cfg.EventSubject, a.logger)
		a.tel.Events.Subscribe(forwarder.Forward, nil)
		a.logger.Debug().Str("stream", cfg.Stream).Msg("Forwarding lifecycle events")
	}
	return bus, nil
}
