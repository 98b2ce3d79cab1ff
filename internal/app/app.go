package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/common"
	"github.com/ternarybob/perago/internal/events"
	"github.com/ternarybob/perago/internal/interfaces"
	"github.com/ternarybob/perago/internal/monitor"
	"github.com/ternarybob/perago/internal/queue"
	"github.com/ternarybob/perago/internal/sagas"
	"github.com/ternarybob/perago/internal/server"
	badgerstore "github.com/ternarybob/perago/internal/storage/badger"
)

// App wires the runtime together: storage, monitor, queue engine, event
// manager, saga manager and the ops server.
type App struct {
	Config      *common.Config
	Logger      arbor.ILogger
	Storage     interfaces.StorageManager
	Monitor     *monitor.Service
	DeadLetters *queue.DeadLetterService
	Engine      *queue.Engine
	Events      *events.Manager
	Sagas       *sagas.Manager
	Server      *server.Server

	cron      *cron.Cron
	serverErr chan error
}

// New builds the application from configuration
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storage, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	mon := monitor.NewService(logger)
	deadLetters := queue.NewDeadLetterService(logger, storage)
	engine := queue.NewEngine(logger, config, storage, mon, deadLetters)

	eventManager := events.NewManager(logger, storage.EventStorage(), mon, config.Events.FanoutRatePerSec)
	if config.Events.Transports.Log {
		eventManager.RegisterTransport(events.NewLogTransport(logger))
	}
	if config.Events.Transports.Redis.Enabled {
		redisTransport, err := events.NewRedisTransport(logger, config.Events.Transports.Redis)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("failed to initialize redis transport: %w", err)
		}
		eventManager.RegisterTransport(redisTransport)
	}

	sagaManager := sagas.NewManager(logger, storage.SagaStorage(), eventManager, mon, config.Saga)
	opsServer := server.NewServer(logger, config, mon, engine, deadLetters, eventManager, sagaManager)

	return &App{
		Config:      config,
		Logger:      logger,
		Storage:     storage,
		Monitor:     mon,
		DeadLetters: deadLetters,
		Engine:      engine,
		Events:      eventManager,
		Sagas:       sagaManager,
		Server:      opsServer,
		serverErr:   make(chan error, 1),
	}, nil
}

// Start launches the engine, the saga timeout sweep and the ops server
func (a *App) Start() error {
	if err := a.Engine.Start(); err != nil {
		return err
	}

	a.cron = cron.New()
	schedule := a.Config.Saga.SweepSchedule
	if schedule == "" {
		schedule = "@every 10s"
	}
	if _, err := a.cron.AddFunc(schedule, func() {
		if _, err := a.Sagas.SweepTimeouts(context.Background()); err != nil {
			a.Logger.Error().Err(err).Msg("Saga timeout sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid saga sweep schedule %q: %w", schedule, err)
	}
	a.cron.Start()

	go func() {
		a.serverErr <- a.Server.Start()
	}()

	a.Logger.Info().
		Str("environment", a.Config.Environment).
		Str("version", common.GetVersion()).
		Msg("Perago started")
	return nil
}

// ServerErr reports a fatal ops server failure
func (a *App) ServerErr() <-chan error {
	return a.serverErr
}

// Stop shuts everything down in dependency order
func (a *App) Stop(ctx context.Context) error {
	if err := a.Server.Stop(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Ops server shutdown failed")
	}
	if a.cron != nil {
		a.cron.Stop()
	}
	if err := a.Engine.Stop(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue engine shutdown failed")
	}
	if err := a.Events.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event manager shutdown failed")
	}
	if err := a.Storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	a.Logger.Info().Msg("Perago stopped")
	return nil
}
