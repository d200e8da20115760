package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/handlers"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/queue"
	"github.com/ternarybob/neurareport/internal/services/contracts"
	"github.com/ternarybob/neurareport/internal/services/datasource"
	"github.com/ternarybob/neurareport/internal/services/discovery"
	"github.com/ternarybob/neurareport/internal/services/events"
	"github.com/ternarybob/neurareport/internal/services/notify"
	"github.com/ternarybob/neurareport/internal/services/pipeline"
	"github.com/ternarybob/neurareport/internal/services/renderers"
	"github.com/ternarybob/neurareport/internal/services/scheduler"
	"github.com/ternarybob/neurareport/internal/services/schedules"
	"github.com/ternarybob/neurareport/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB         *badger.BadgerDB
	JobStorage *badger.JobStorage

	// Job queue and worker pool
	QueueManager *queue.BadgerManager
	JobProcessor *queue.Processor

	// Pipeline collaborators
	DataSources  *datasource.Router
	Contracts    *contracts.FileProvider
	Discovery    *discovery.Engine
	Renderers    *renderers.Registry
	EventService interfaces.EventService
	Notifier     interfaces.Notifier
	Orchestrator *pipeline.Orchestrator

	// Job control
	SchedulerService *scheduler.Service
	Schedules        *schedules.Service

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	JobHandler      *handlers.JobHandler
	ProgressHandler *handlers.ProgressHandler
	ScheduleHandler *handlers.ScheduleHandler

	started bool
}

// New initializes the application with all dependencies. Workers and cron
// schedules are not running until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Int("workers", cfg.Queue.Concurrency).
		Int("batch_concurrency", cfg.Pipeline.BatchConcurrency).
		Strs("connections", app.DataSources.IDs()).
		Str("output_dir", cfg.Storage.Output.Dir).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens Badger and the job store and queue that share it
func (a *App) initDatabase() error {
	if err := os.MkdirAll(a.Config.Storage.Output.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db
	a.JobStorage = badger.NewJobStorage(db, a.Config.Storage.Output.Dir, a.Logger)

	queueMgr, err := queue.NewBadgerManager(
		db.Badger(),
		a.Config.Queue.QueueName,
		common.ParseDurationOr(a.Config.Queue.VisibilityTimeout, 10*time.Minute),
		a.Config.Queue.MaxReceive,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	a.QueueManager = queueMgr

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("queue", a.Config.Queue.QueueName).
		Msg("Storage layer initialized")
	return nil
}

// initServices wires the pipeline and the job scheduler
func (a *App) initServices() error {
	ctx := context.Background()

	router, err := datasource.NewRouterFromConfig(ctx, a.Config.DataSources, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to open data sources: %w", err)
	}
	a.DataSources = router

	a.Contracts = contracts.NewFileProvider(a.Config.Contracts.Dir, a.Logger)
	a.Discovery = discovery.NewEngine(router, a.Logger)
	a.Renderers = renderers.NewRegistry(&a.Config.Renderer, a.Logger)

	var sinks []events.Sink
	if a.Config.Progress.Redis.Enabled {
		sink, err := events.NewRedisSink(ctx, a.Config.Progress.Redis)
		if err != nil {
			// Progress mirroring is best effort; the in-process feed still works
			a.Logger.Warn().Err(err).Str("addr", a.Config.Progress.Redis.Addr).Msg("Redis progress sink unavailable")
		} else {
			sinks = append(sinks, sink)
		}
	}
	a.EventService = events.NewService(a.Logger, sinks...)

	if a.Config.Notify.Enabled {
		a.Notifier = notify.NewSMTPNotifier(a.Config.Notify, a.Logger)
	} else {
		a.Notifier = notify.NewLogNotifier(a.Logger)
	}

	a.Orchestrator = pipeline.NewOrchestrator(
		a.Contracts,
		a.Discovery,
		router,
		a.Renderers,
		a.JobStorage,
		a.Notifier,
		a.EventService,
		pipeline.Options{
			OutputDir:        a.Config.Storage.Output.Dir,
			BatchConcurrency: a.Config.Pipeline.BatchConcurrency,
			FailFast:         a.Config.Pipeline.FailFast,
			FailAtStep:       a.Config.Pipeline.FailAtStep,
		},
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(
		a.JobStorage,
		a.QueueManager,
		a.Orchestrator,
		a.Contracts,
		a.Discovery,
		a.EventService,
		scheduler.Options{
			OutputDir: a.Config.Storage.Output.Dir,
			Retry:     scheduler.NewRetryPolicy(a.Config.Retry),
		},
		a.Logger,
	)

	a.JobProcessor = queue.NewProcessor(
		a.QueueManager,
		a.Logger,
		a.Config.Queue.Concurrency,
		common.ParseDurationOr(a.Config.Queue.PollInterval, time.Second),
		common.ParseDurationOr(a.Config.Queue.VisibilityTimeout, 10*time.Minute),
	)
	a.JobProcessor.Register(a.SchedulerService)

	a.Schedules = schedules.NewService(a.SchedulerService, a.Logger)
	for _, sc := range a.Config.Schedules {
		if err := a.Schedules.Register(sc); err != nil {
			return err
		}
	}

	a.Logger.Debug().Msg("Services initialized")
	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.SchedulerService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.SchedulerService, a.Logger)
	a.ProgressHandler = handlers.NewProgressHandler(a.SchedulerService, a.EventService, a.Logger)
	a.ScheduleHandler = handlers.NewScheduleHandler(a.Schedules, a.Logger)
}

// Start recovers jobs interrupted by the previous shutdown, then starts the
// worker pool and the cron schedules
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}

	requeued, err := a.SchedulerService.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if requeued > 0 {
		a.Logger.Info().Int("jobs", requeued).Msg("Resuming interrupted jobs")
	}

	a.JobProcessor.Start()
	a.Schedules.Start()
	a.started = true
	return nil
}

// Close shuts the application down. In-flight jobs stop at their next
// checkpoint and resume on the next Start.
func (a *App) Close() error {
	if a.Schedules != nil {
		a.Schedules.Stop()
	}

	// Workers first so no job writes after the store closes
	if a.JobProcessor != nil {
		a.JobProcessor.Stop()
		a.Logger.Info().Msg("Job processor stopped")
	}

	if a.Renderers != nil {
		if err := a.Renderers.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close renderers")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.DataSources != nil {
		a.DataSources.Close()
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
			return err
		}
		a.Logger.Info().Msg("Database closed")
	}

	return nil
}
