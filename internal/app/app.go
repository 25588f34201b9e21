package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sendgate/sendgate/internal/api"
	"github.com/sendgate/sendgate/internal/capacity"
	"github.com/sendgate/sendgate/internal/config"
	"github.com/sendgate/sendgate/internal/dispatch"
	"github.com/sendgate/sendgate/internal/experiment"
	"github.com/sendgate/sendgate/internal/metrics"
	"github.com/sendgate/sendgate/internal/pool"
	"github.com/sendgate/sendgate/internal/store"
	"github.com/sendgate/sendgate/internal/warmup"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	db       *store.DB
	ledgerDB *bolt.DB
	ledger   *capacity.Ledger

	apiServer     *api.Server
	metricsServer *metrics.Server
	runner        *dispatch.Runner
	advancer      *warmup.Advancer
}

// New creates a new application
func New(cfg *config.Config, emitter dispatch.Emitter) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate storage: %w", err)
	}

	ledgerDB, err := bolt.Open(cfg.Storage.LedgerPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger storage: %w", err)
	}

	ledger, err := capacity.NewLedger(ledgerDB, capacity.Config{
		FlushInterval: cfg.Storage.FlushInterval,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create capacity ledger: %w", err)
	}

	m := metrics.New()

	identities := store.NewIdentityRepository(db)
	campaigns := store.NewCampaignRepository(db)
	contacts := store.NewContactRepository(db)
	assignments := store.NewAssignmentRepository(db)

	p := pool.New(identities, ledger, nil, m, nil, logger)

	if emitter == nil {
		emitter = logEmitter(logger)
	}

	scheduler := dispatch.NewScheduler(
		campaigns, contacts, assignments, p,
		experiment.NewAssigner(nil),
		emitter, m,
		dispatch.Config{
			BatchSize:    cfg.Scheduler.BatchSize,
			RetryBackoff: cfg.Scheduler.RetryBackoff,
			ScoreWeights: cfg.Experiment.ScoreWeights,
		},
		nil, logger,
	)

	runner := dispatch.NewRunner(scheduler, campaigns, contacts, m, dispatch.RunnerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		Concurrency:  cfg.Scheduler.Concurrency,
	}, time.Now, logger)

	advancer := warmup.New(identities, cfg.Warmup.GraduationRatio, m, nil, logger)

	apiServer := api.NewServer(identities, campaigns, contacts, scheduler, ledger, &cfg.API, logger)

	app := &App{
		config:    cfg,
		logger:    logger,
		db:        db,
		ledgerDB:  ledgerDB,
		ledger:    ledger,
		apiServer: apiServer,
		runner:    runner,
		advancer:  advancer,
	}
	if cfg.Metrics.Enabled {
		app.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger)
	}
	return app, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting sendgate",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.runner.Start()
	if err := a.advancer.Start(a.config.Warmup.Schedule); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing work before tearing down the stores
	a.runner.Stop()
	a.advancer.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Ledger stop persists the capacity counters
	if err := a.ledger.Stop(); err != nil {
		a.logger.Error("ledger stop error", "error", err)
	}
	if err := a.ledgerDB.Close(); err != nil {
		a.logger.Error("ledger storage close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// logEmitter is the default intent sink when no transport is attached:
// every intent is logged and accepted. Real deployments pass an Emitter
// wired to their delivery layer.
func logEmitter(logger *slog.Logger) dispatch.Emitter {
	l := logger.With("component", "emitter")
	return dispatch.EmitterFunc(func(_ context.Context, intent *dispatch.SendIntent) error {
		l.Info("send intent",
			"campaign_id", intent.CampaignID,
			"contact_id", intent.ContactID,
			"identity_id", intent.IdentityID,
			"variant_id", intent.VariantID,
		)
		return nil
	})
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
