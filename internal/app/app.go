// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/rankpulse/rankpulse/internal/api"
	clocksys "github.com/rankpulse/rankpulse/internal/clock/system"
	"github.com/rankpulse/rankpulse/internal/config"
	"github.com/rankpulse/rankpulse/internal/credits"
	uuidgen "github.com/rankpulse/rankpulse/internal/id/uuid"
	"github.com/rankpulse/rankpulse/internal/logging"
	"github.com/rankpulse/rankpulse/internal/metrics"
	memnotify "github.com/rankpulse/rankpulse/internal/notify/memory"
	pubsubnotify "github.com/rankpulse/rankpulse/internal/notify/pubsub"
	"github.com/rankpulse/rankpulse/internal/provider/serp"
	"github.com/rankpulse/rankpulse/internal/rank"
	memstore "github.com/rankpulse/rankpulse/internal/storage/memory"
	pgstore "github.com/rankpulse/rankpulse/internal/storage/postgres"
	"github.com/rankpulse/rankpulse/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and passed to the commands that
// need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    rank.BatchStore
	driver   *worker.Driver
	server   *api.Server
	pgClose  func()
	psClient *pubsubv2.Client
}

// New builds the service graph from configuration. It fails fast if any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	notifier, err := a.initNotifier(ctx)
	if err != nil {
		return nil, err
	}

	provider, err := serp.NewClient(serp.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	}, logger.Named("serp"))
	if err != nil {
		return nil, fmt.Errorf("init provider client: %w", err)
	}

	ledger, err := credits.NewClient(credits.Config{
		BaseURL: cfg.Ledger.BaseURL,
		APIKey:  cfg.Ledger.APIKey,
		Timeout: time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
	}, logger.Named("credits"))
	if err != nil {
		return nil, fmt.Errorf("init ledger client: %w", err)
	}

	clock := clocksys.New()
	idGen := uuidgen.New()
	policy := rank.NewRetryPolicyWithMax(cfg.Worker.MaxRetries)

	selector := worker.NewSelector(a.store, clock, logger.Named("selector"))
	processor := worker.NewItemProcessor(a.store, provider, policy, clock, idGen, worker.ProcessorConfig{
		BatchSize:  cfg.Worker.BatchSize,
		CheckDelay: cfg.CheckDelay(),
	}, logger.Named("processor"))
	evaluator := worker.NewEvaluator(a.store, ledger, notifier, clock, logger.Named("evaluator"))
	reaper := worker.NewReaper(a.store, evaluator, clock, cfg.StalenessThreshold(), logger.Named("reaper"))
	a.driver = worker.NewDriver(a.store, selector, processor, evaluator, reaper, logger.Named("driver"))

	a.server = api.NewServer(a.store, cfg, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		store, err := pgstore.NewBatchStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns),
			MinConns:        int32(a.cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = store
		a.pgClose = store.Close
	case "memory":
		a.logger.Warn("using in-memory batch store, state will not survive restarts")
		a.store = memstore.NewBatchStore()
	default:
		return fmt.Errorf("unknown storage backend: %s", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) initNotifier(ctx context.Context) (rank.Notifier, error) {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		client, err := pubsubv2.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.psClient = client
		accounts := client.Publisher(a.cfg.PubSub.AccountsTopic)
		operator := client.Publisher(a.cfg.PubSub.OperatorTopic)
		return pubsubnotify.New(accounts, operator), nil
	case "memory":
		a.logger.Warn("using in-memory notifier, events are not delivered anywhere")
		return memnotify.NewNotifier(), nil
	default:
		return nil, fmt.Errorf("unknown notify backend: %s", a.cfg.Notify.Backend)
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the configured batch store.
func (a *App) Store() rank.BatchStore {
	return a.store
}

// Driver returns the worker entry point for tick invocations.
func (a *App) Driver() *worker.Driver {
	return a.driver
}

// Server returns the status API server.
func (a *App) Server() *api.Server {
	return a.server
}

// Close gracefully shuts down all services in the container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.pgClose != nil {
		a.pgClose()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	// Flush buffered log entries; best effort on shutdown.
	_ = a.logger.Sync()
}
