package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/handlers"
	"github.com/ternarybob/verto/internal/ingress"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/services/bus"
	"github.com/ternarybob/verto/internal/services/dedup"
	"github.com/ternarybob/verto/internal/services/downloader"
	"github.com/ternarybob/verto/internal/services/llm"
	"github.com/ternarybob/verto/internal/services/orchestrator"
	"github.com/ternarybob/verto/internal/services/provider"
	"github.com/ternarybob/verto/internal/services/scheduler"
	"github.com/ternarybob/verto/internal/services/store"
	"github.com/ternarybob/verto/internal/services/supervisor"
	"github.com/ternarybob/verto/internal/services/translator"
)

// App holds every pipeline component and its dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup

	// Backends
	Supervisor  *supervisor.Supervisor
	storeClient *redis.Client
	JobStore    interfaces.JobStore
	Dedup       interfaces.DedupService
	Connection  *bus.Connection
	EventBus    interfaces.EventBus
	TaskQueues  interfaces.TaskQueue

	// Pipeline services
	Orchestrator      *orchestrator.Service
	Registry          interfaces.ProviderRegistry
	Translator        interfaces.Translator
	Checkpoints       *translator.CheckpointStore
	DownloadWorker    *downloader.Worker
	TranslationWorker *translator.Worker
	Scheduler         *scheduler.Service

	// Ingress adapters
	Emitter        *ingress.Emitter
	WebhookHandler *ingress.WebhookHandler
	Watcher        *ingress.Watcher
	PushClient     *ingress.PushClient

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	HealthHandler *handlers.HealthHandler
}

// New initializes the application with all dependencies. Backends may be
// cold at startup; the supervisor drives their health from here on.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	app.Supervisor = supervisor.NewSupervisor(&cfg.Supervisor, logger)

	if err := app.initBackends(); err != nil {
		return nil, err
	}
	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.initHandlers()

	logger.Info().
		Bool("watcher_enabled", cfg.Watcher.Enabled).
		Bool("push_enabled", cfg.Push.Enabled).
		Bool("webhook_enabled", cfg.Webhook.Enabled).
		Str("llm_provider", string(cfg.LLM.Provider)).
		Msg("Application initialization complete")
	return app, nil
}

// initBackends connects the state store and the broker and registers both
// with the supervisor.
func (a *App) initBackends() error {
	cfg := a.Config

	a.storeClient = redis.NewClient(&redis.Options{
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		DialTimeout: common.DurationOr(cfg.Store.DialTimeout, 5*time.Second),
	})
	ctx, cancel := context.WithTimeout(a.ctx, common.DurationOr(cfg.Store.DialTimeout, 5*time.Second))
	defer cancel()
	if err := a.storeClient.Ping(ctx).Err(); err != nil {
		a.Logger.Warn().
			Str("addr", cfg.Store.Addr).
			Err(err).
			Msg("State store unreachable at startup")
	}

	a.JobStore = store.NewServiceWithClient(a.storeClient, a.Logger)
	a.Dedup = dedup.NewService(&cfg.Dedup, a.storeClient, a.Logger)

	backoff := a.Supervisor.ReconnectBackoff()
	a.Connection = bus.NewConnection(cfg.Broker.URL, backoff, a.Supervisor.MaxReconnects(), a.Logger)
	a.EventBus = bus.NewEventBus(&cfg.Broker, a.Connection, backoff, a.Logger)
	a.TaskQueues = bus.NewTaskQueues(&cfg.Broker, a.Connection, backoff, a.Logger)

	a.Supervisor.Register("state-store", a.JobStore.Ping)
	a.Supervisor.Register("broker", a.Connection.Ping)
	a.Supervisor.Register("dedup", a.Dedup.Ping)

	a.Logger.Debug().
		Str("store", cfg.Store.Addr).
		Str("broker", cfg.Broker.URL).
		Msg("Backends initialized")
	return nil
}

// initServices builds the pipeline services in dependency order.
func (a *App) initServices() error {
	cfg := a.Config

	a.Orchestrator = orchestrator.NewService(cfg, a.JobStore, a.Dedup, a.EventBus, a.TaskQueues, a.Logger)

	a.Registry = provider.NewRegistry(cfg.Providers, cfg.Download.Path, a.Logger)
	a.DownloadWorker = downloader.NewWorker(&cfg.Broker, &cfg.Download, a.TaskQueues, a.EventBus, a.Registry, a.Logger)

	a.Checkpoints = translator.NewCheckpointStore(&cfg.Translation, a.Logger)

	gateway, err := llm.NewTranslator(a.ctx, cfg, a.Logger)
	if err != nil {
		// Acquisition still works without an LLM key; translation tasks stay
		// queued until a configured instance picks them up.
		a.Logger.Warn().Err(err).Msg("Translation gateway unavailable, translation worker disabled")
	} else {
		a.Translator = gateway
		chunker := translator.NewChunker(&cfg.Translation, a.activeModel(), llm.NewHeuristicCounter(), a.Logger)
		engine := translator.NewEngine(&cfg.Translation, gateway, chunker, a.Checkpoints, a.Logger)
		a.TranslationWorker = translator.NewWorker(&cfg.Broker, a.TaskQueues, a.EventBus, engine, a.Logger)
	}

	a.Emitter = ingress.NewEmitter(a.JobStore, a.Dedup, a.EventBus, a.Logger)
	a.WebhookHandler = ingress.NewWebhookHandler(&cfg.Webhook, a.Emitter, a.Logger)

	if cfg.Watcher.Enabled {
		watcher, err := ingress.NewWatcher(&cfg.Watcher, a.Emitter, a.EventBus, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize filesystem watcher: %w", err)
		}
		a.Watcher = watcher
	}

	if cfg.Push.Enabled {
		a.PushClient = ingress.NewPushClient(&cfg.Push, a.Emitter, a.Supervisor.ReconnectBackoff(), a.Logger)
	}

	a.Scheduler = scheduler.NewService(&cfg.Scheduler, a.Logger)
	if cfg.Scheduler.Enabled {
		if err := a.Scheduler.RegisterMaintenanceJobs(a.Checkpoints, a.Supervisor); err != nil {
			return fmt.Errorf("failed to register maintenance jobs: %w", err)
		}
	}

	a.Logger.Debug().Msg("Pipeline services initialized")
	return nil
}

// initHandlers builds the HTTP API handlers.
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobStore, a.Dedup, a.EventBus, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.Supervisor, a.Logger)
}

// activeModel names the configured LLM model for chunk-budget logging.
func (a *App) activeModel() string {
	if a.Config.LLM.Provider == common.LLMProviderGemini {
		return a.Config.Gemini.Model
	}
	return a.Config.Claude.Model
}

// Start launches the long-running components: orchestrator, workers, the
// enabled ingress adapters, and the maintenance scheduler.
func (a *App) Start() error {
	a.runComponent("orchestrator", a.Orchestrator.Start)
	a.runComponent("download-worker", a.DownloadWorker.Start)
	if a.TranslationWorker != nil {
		a.runComponent("translation-worker", a.TranslationWorker.Start)
	}
	if a.Watcher != nil {
		a.runComponent("watcher", a.Watcher.Start)
	}
	if a.PushClient != nil {
		a.runComponent("push-client", a.PushClient.Start)
	}
	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			return err
		}
	}

	a.Logger.Info().Msg("Pipeline components started")
	return nil
}

// runComponent runs one blocking component in the app's lifecycle group.
func (a *App) runComponent(name string, run func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crashPath := common.WriteCrashFile(name, r, common.GetStackTrace())
				a.Logger.Error().
					Str("component", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("crash_file", crashPath).
					Msg("Component panicked")
			}
		}()
		if err := run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.Logger.Error().
				Str("component", name).
				Err(err).
				Msg("Component stopped unexpectedly")
		}
	}()
}

// Close stops every component in reverse dependency order, waiting up to
// the configured shutdown budget for in-flight work to settle.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down pipeline components")

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	a.cancelCtx()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(common.DurationOr(a.Config.Supervisor.ShutdownTimeout, 10*time.Second)):
		a.Logger.Warn().Msg("Shutdown budget exceeded, abandoning in-flight work")
	}

	if a.Watcher != nil {
		if err := a.Watcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close watcher index")
		}
	}
	if a.EventBus != nil {
		if err := a.EventBus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event bus")
		}
	}
	if a.TaskQueues != nil {
		if err := a.TaskQueues.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close task queues")
		}
	}
	if a.Connection != nil {
		if err := a.Connection.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker connection")
		}
	}
	if a.JobStore != nil {
		if err := a.JobStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job store")
		}
	}

	a.Logger.Info().Msg("Shutdown complete")
	return nil
}
