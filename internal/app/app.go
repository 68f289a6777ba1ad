package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/fetcher"
	"github.com/ternarybob/snapload/internal/handlers"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/logs"
	"github.com/ternarybob/snapload/internal/services/catalog"
	"github.com/ternarybob/snapload/internal/services/cleanup"
	"github.com/ternarybob/snapload/internal/services/downloader"
	"github.com/ternarybob/snapload/internal/services/jobs"
	"github.com/ternarybob/snapload/internal/services/scheduler"
	"github.com/ternarybob/snapload/internal/services/status"
	"github.com/ternarybob/snapload/internal/storage"
)

// shutdownBudget bounds each blocking step of Close
const shutdownBudget = 10 * time.Second

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager
	Locator        *artifacts.Locator

	// Job execution
	CatalogService *catalog.Service
	StatusService  *status.Service
	Orchestrator   *downloader.Orchestrator
	JobManager     *jobs.Manager

	// Retention
	CleanupEngine    *cleanup.Engine
	SchedulerService *scheduler.Service

	// Log consumer for arbor context channel
	LogConsumer *logs.Consumer

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	DownloadHandler *handlers.DownloadHandler
	AdminHandler    *handlers.AdminHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	// Components size themselves from this copy; later edits by the caller do not leak in
	cfg = common.DeepCloneConfig(cfg)

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// WebSocket hub must exist before the consumer that feeds it
	app.WSHandler = handlers.NewWebSocketHandler(app.Logger, &app.Config.WebSocket)

	logConsumer := logs.NewConsumer(app.WSHandler, app.Logger, app.Config.Logging.MinEventLevel)
	if err := logConsumer.Start(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to start log consumer: %w", err)
	}
	app.LogConsumer = logConsumer

	// Correlated (per-job) loggers publish into the consumer
	app.Logger.SetChannel("context", logConsumer.GetChannel())

	if err := app.initServices(); err != nil {
		app.LogConsumer.Stop()
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.SchedulerService.Start(); err != nil {
		app.LogConsumer.Stop()
		app.closeStorage()
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Bool("production", cfg.IsProduction()).
		Int("max_concurrent", cfg.Downloads.MaxConcurrent).
		Bool("cleanup_enabled", cfg.Cleanup.Enabled).
		Bool("admin_enabled", cfg.Cleanup.AdminEnabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and the artifact roots
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	a.Locator = artifacts.NewLocator(a.Config.Storage.Paths)
	if err := a.Locator.EnsureRoots(); err != nil {
		a.closeStorage()
		return fmt.Errorf("failed to create artifact directories: %w", err)
	}

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("downloads", a.Locator.DownloadsRoot()).
		Str("logs", a.Locator.LogsRoot()).
		Str("temp", a.Locator.TempRoot()).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes business services in dependency order:
// catalog -> status -> orchestrator -> job manager -> cleanup -> scheduler
func (a *App) initServices() error {
	var err error

	a.CatalogService = catalog.NewService(a.StorageManager.DownloadIndexStorage(), a.Logger)
	a.StatusService = status.NewService(a.StorageManager.JobStorage(), a.Locator, a.Logger)

	a.Orchestrator = downloader.NewOrchestrator(
		a.StorageManager.JobStorage(),
		a.CatalogService,
		a.Locator,
		fetcher.NewBuilder(a.Config.Downloads),
		a.Config.Downloads,
		a.Logger,
	)

	a.JobManager = jobs.NewManager(
		a.StorageManager.JobStorage(),
		a.StatusService,
		a.Orchestrator,
		a.Locator,
		a.Config.Downloads.MaxConcurrent,
		a.Logger,
	)

	// Live handles protect a job's artifacts before its record turns active
	a.CleanupEngine = cleanup.NewEngine(
		a.StorageManager,
		a.CatalogService,
		a.Locator,
		a.JobManager,
		a.Config.Cleanup,
		a.Logger,
	)

	a.SchedulerService, err = scheduler.NewService(a.CleanupEngine, a.Config.Cleanup, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create cleanup scheduler: %w", err)
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.DownloadHandler = handlers.NewDownloadHandler(a.JobManager, a.CatalogService, a.Locator.DownloadsRoot(), a.Logger)
	a.AdminHandler = handlers.NewAdminHandler(
		a.SchedulerService,
		a.CleanupEngine,
		a.Config.Cleanup.AdminTriggerIntervalValue(),
		a.Logger,
	)
}

// Close shuts components down in reverse dependency order. Running jobs are
// cancelled and reach a terminal record before storage closes.
func (a *App) Close() error {
	if a.SchedulerService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		if err := a.SchedulerService.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop cleanup scheduler")
		} else {
			a.Logger.Info().Msg("Cleanup scheduler stopped")
		}
		cancel()
	}

	if a.JobManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		if err := a.JobManager.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Job manager shutdown incomplete")
		}
		cancel()
	}

	if a.LogConsumer != nil {
		if err := a.LogConsumer.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop log consumer")
		}
	}

	if err := a.closeStorage(); err != nil {
		return err
	}
	a.Logger.Info().Msg("Storage closed")
	return nil
}

func (a *App) closeStorage() error {
	if a.StorageManager == nil {
		return nil
	}
	if err := a.StorageManager.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	a.StorageManager = nil
	return nil
}
