package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/handlers"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/services/autoapply"
	"github.com/ternarybob/autoapply/internal/services/browser"
	"github.com/ternarybob/autoapply/internal/services/failures"
	"github.com/ternarybob/autoapply/internal/services/formfill"
	"github.com/ternarybob/autoapply/internal/services/jobsearch"
	"github.com/ternarybob/autoapply/internal/services/notify"
	"github.com/ternarybob/autoapply/internal/services/ratelimit"
	"github.com/ternarybob/autoapply/internal/services/scheduler"
	"github.com/ternarybob/autoapply/internal/services/session"
	"github.com/ternarybob/autoapply/internal/services/status"
	"github.com/ternarybob/autoapply/internal/storage"
	"github.com/ternarybob/autoapply/internal/storage/badger"
)

// CycleJobName is the persisted trigger that runs the auto-apply cycle
const CycleJobName = "autoapply-cycle"

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Collaborators of a cycle
	Notifier       interfaces.NotificationService
	FailureLogger  *failures.Recorder
	RateLimiter    *ratelimit.Service
	BrowserManager *browser.Manager
	SessionManager *session.Manager
	FormFiller     *formfill.Filler
	SearchClient   *jobsearch.Client

	// Orchestration
	AutoApplyService *autoapply.Service
	SchedulerService *scheduler.Service
	StatusService    *status.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	StatusHandler    *handlers.StatusHandler
	SchedulerHandler *handlers.SchedulerHandler
	RecordsHandler   *handlers.RecordsHandler
}

// New initializes the application with all dependencies. Nothing is started;
// call Start once the caller is ready to run cycles.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("environment", cfg.Environment).
		Int("platforms", len(cfg.Platforms)).
		Str("ratelimit_backend", cfg.RateLimit.Backend).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer and seeds configs from files
func (a *App) initDatabase(ctx context.Context) error {
	storageManager, err := storage.NewStorageManager(ctx, a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("quota_backend", a.Config.RateLimit.Backend).
		Msg("Storage layer initialized")

	// Invalid configs are still stored and fail at cycle time
	loaded, err := badger.LoadConfigsFromFiles(ctx, a.StorageManager.ConfigStorage(), a.Config.Configs.Dir, a.Logger)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to load auto-apply configs from files")
	} else if loaded > 0 {
		a.Logger.Info().Int("count", loaded).Msg("Auto-apply configs loaded")
	}

	return nil
}

// initServices wires the cycle collaborators in dependency order:
// notifier, failure logger, rate limiter, browsers, sessions, filler, search,
// then the orchestrator, scheduler and status on top.
func (a *App) initServices() error {
	a.Notifier = notify.New(a.Config.Notifications, a.Logger)
	a.FailureLogger = failures.NewRecorder(a.StorageManager.FailureStorage(), a.Notifier, a.Logger)
	a.RateLimiter = ratelimit.NewService(a.StorageManager.QuotaStore(), a.Config.RateLimit, a.Logger)

	a.BrowserManager = browser.NewManager(a.Config.Browser, a.Config.Stealth, browser.NewChromeLauncher(a.Logger), a.Logger)

	credentials, err := session.LoadCredentialsFromFiles(a.Config.Session.CredentialsDir, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	authenticator := session.NewBrowserAuthenticator(a.BrowserManager, credentials, a.Config, a.Logger)
	a.SessionManager = session.NewManager(a.StorageManager.SessionStorage(), authenticator, a.Config.Session, a.Logger)

	a.FormFiller = formfill.NewFiller(a.StorageManager.ApplicationHistoryStorage(), a.Config, a.Logger)
	a.SearchClient = jobsearch.NewClient(a.Config, a.Logger)

	a.AutoApplyService, err = autoapply.NewService(autoapply.Deps{
		Configs:     a.StorageManager.ConfigStorage(),
		Activity:    a.StorageManager.ActivityLogStorage(),
		History:     a.StorageManager.ApplicationHistoryStorage(),
		External:    a.StorageManager.ExternalQueueStorage(),
		Search:      a.SearchClient,
		RateLimiter: a.RateLimiter,
		Sessions:    a.SessionManager,
		Browsers:    a.BrowserManager,
		Filler:      a.FormFiller,
		Failures:    a.FailureLogger,
		Notifier:    a.Notifier,
	}, a.Config, a.Logger)
	if err != nil {
		return err
	}

	a.SchedulerService = scheduler.NewService(a.StorageManager.ScheduledJobStorage(), a.Notifier, a.Config, a.Logger)
	a.StatusService = status.NewService(
		a.SchedulerService,
		a.StorageManager.ConfigStorage(),
		a.StorageManager.ActivityLogStorage(),
		a.StorageManager,
		autoapply.HandlerName,
		a.Logger,
	)

	// Status reports "running" while a cycle is in flight
	a.SchedulerService.Bind(autoapply.HandlerName, func(ctx context.Context) error {
		return a.StatusService.Track(ctx, a.AutoApplyService.Run)
	})

	a.Logger.Debug().
		Int("max_browsers", a.BrowserManager.Capacity()).
		Int("workers", a.Config.AutoApply.Workers).
		Msg("Services initialized")

	return nil
}

// initHandlers initializes HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.StatusService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, autoapply.HandlerName, a.Logger)
	a.RecordsHandler = handlers.NewRecordsHandler(
		a.StorageManager.ActivityLogStorage(),
		a.StorageManager.FailureStorage(),
		a.StorageManager.ExternalQueueStorage(),
		a.Logger,
	)
}

// Recover repairs state left behind by a process that died mid-cycle:
// open activity entries are finalized and RUNNING triggers become due again.
func (a *App) Recover(ctx context.Context) error {
	recovered, err := a.AutoApplyService.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.Logger.Warn().Int("entries", recovered).Msg("Finalized interrupted activity entries")
	}
	return a.SchedulerService.Recover(ctx)
}

// ScheduleCycle registers (or updates) the persisted cycle trigger from config
func (a *App) ScheduleCycle(ctx context.Context) (string, error) {
	policy, err := models.ParseMisfirePolicy(a.Config.Scheduler.MisfirePolicy)
	if err != nil {
		return "", common.NewConfigurationError("scheduler.misfire_policy", err.Error())
	}

	return a.SchedulerService.Schedule(ctx, scheduler.TriggerSpec{
		Name:          CycleJobName,
		Handler:       autoapply.HandlerName,
		Expression:    strings.TrimSpace(a.Config.Scheduler.CycleSchedule),
		MisfirePolicy: policy,
		MisfireGrace:  common.Duration(a.Config.Scheduler.MisfireGrace, 5*time.Minute),
	})
}

// Start recovers, registers the cycle trigger and starts the scheduler loop
func (a *App) Start(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	jobID, err := a.ScheduleCycle(ctx)
	if err != nil {
		return fmt.Errorf("failed to schedule cycle: %w", err)
	}

	if err := a.SchedulerService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.Logger.Info().
		Str("job_id", jobID).
		Str("schedule", a.Config.Scheduler.CycleSchedule).
		Msg("Auto-apply cycle scheduled")
	return nil
}

// RunOnce recovers and runs a single cycle in the foreground
func (a *App) RunOnce(ctx context.Context) (*autoapply.CycleSummary, error) {
	if err := a.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover state: %w", err)
	}

	var summary *autoapply.CycleSummary
	err := a.StatusService.Track(ctx, func(ctx context.Context) error {
		var runErr error
		summary, runErr = a.AutoApplyService.RunCycle(ctx)
		return runErr
	})
	return summary, err
}

// Close stops the scheduler, waits for in-flight cycles and closes storage
func (a *App) Close() error {
	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		a.SchedulerService.Stop()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
