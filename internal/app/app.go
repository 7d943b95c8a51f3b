package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"stock-alert-engine/internal/alerting"
	"stock-alert-engine/internal/api"
	"stock-alert-engine/internal/circuit"
	"stock-alert-engine/internal/config"
	"stock-alert-engine/internal/engine"
	"stock-alert-engine/internal/logging"
	"stock-alert-engine/internal/pricing"
	"stock-alert-engine/internal/stats"
	"stock-alert-engine/internal/storage"
)

// Breaker registry names.
const (
	BreakerPriceSource = "price_source"
	BreakerDatabase    = "database"
)

// App assembles the engine from configuration and owns its lifecycle.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      *storage.Store
	redis      *redis.Client
	registry   *circuit.Registry
	provider   *pricing.Provider
	aggregator *stats.Aggregator
	scanLog    *engine.ScanLogger
	scanner    *engine.Scanner
	server     *api.Server
}

// New connects dependencies and wires the engine. The caller is
// responsible for Close.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewLogger(cfg.Logging)

	pool, err := storage.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	store := storage.NewStore(pool)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
			// Redis is an accelerator, not a dependency. Run without it.
			logger.Warn().Err(pingErr).Msg("redis unreachable, continuing in degraded mode")
			_ = redisClient.Close()
			redisClient = nil
		}
		cancel()
	}

	registry := circuit.NewRegistry(logging.Component(logger, "circuit"))
	registry.Configure(BreakerPriceSource, breakerConfig(cfg.Breakers.PriceSource))
	registry.Configure(BreakerDatabase, breakerConfig(cfg.Breakers.Database))
	guardedStore := storage.NewGuardedStore(store, store, registry.Get(BreakerDatabase))

	aggregator := stats.New(redisClient, logger)

	var cache pricing.Cache
	if redisClient != nil {
		cache = pricing.NewRedisCache(redisClient, cfg.Pricing.CacheTTL)
	} else {
		cache = pricing.NewMemoryCache(cfg.Pricing.CacheTTL)
	}

	source, err := buildSource(cfg.Pricing, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	provider := pricing.NewProvider(cache, source, registry.Get(BreakerPriceSource), aggregator, logger)

	guard := engine.NewIdempotencyGuard(guardedStore)
	scanLog := engine.NewScanLogger(store, logger)

	var notifier engine.Notifier
	if cfg.Alerting.Enabled && cfg.Alerting.Telegram.Enabled {
		dispatcher := alerting.NewDispatcher(logger)
		dispatcher.Register("telegram", alerting.NewTelegramNotifier(cfg.Alerting.Telegram, logger))
		notifier = dispatcher
	}

	scanner := engine.NewScanner(engine.Config{
		Interval:       cfg.Scheduler.Interval,
		ImmediateFirst: cfg.Scheduler.ImmediateFirst,
		StartupDelay:   cfg.Scheduler.StartupDelay,
	}, guardedStore, provider, guard, scanLog, aggregator, notifier, logger)

	app := &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		redis:      redisClient,
		registry:   registry,
		provider:   provider,
		aggregator: aggregator,
		scanLog:    scanLog,
		scanner:    scanner,
	}

	if cfg.Server.Enabled {
		handlers := api.NewHandlers(scanner, scanLog, aggregator, registry, guardedStore)
		app.server = api.NewServer(cfg.Server, handlers, logger)
	}

	return app, nil
}

// Run starts the scan loop and the HTTP surface, blocking until the
// context is cancelled.
func (a *App) Run(ctx context.Context) error {
	// An advisory lock keeps multi-instance deployments from scanning
	// in parallel. Losing the race is not an error: this instance
	// serves the API without scheduling scans.
	unlock, acquired, err := a.store.TryAdvisoryLock(ctx, a.cfg.Scheduler.AdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if acquired {
		defer unlock()
		a.scanner.Start(ctx)
		defer a.scanner.Stop()
	} else {
		a.logger.Warn().Msg("scan lock held elsewhere, scheduler disabled on this instance")
	}

	if a.server != nil {
		return a.server.Run(ctx)
	}

	<-ctx.Done()
	return nil
}

// RunOnce performs a single manual scan, used by the scan CLI command.
func (a *App) RunOnce(ctx context.Context) (*engine.ScanResult, error) {
	return a.scanner.TriggerManual(ctx)
}

// Close releases database and redis resources.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
}

// Logger exposes the root logger for CLI commands.
func (a *App) Logger() zerolog.Logger { return a.logger }

// ScanLog exposes scan history for the show/export commands.
func (a *App) ScanLog() *engine.ScanLogger { return a.scanLog }

// Store exposes the storage layer for the show command.
func (a *App) Store() *storage.Store { return a.store }

func breakerConfig(cfg config.BreakerConfig) circuit.Config {
	return circuit.Config{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		MinimumRequests:  cfg.MinimumRequests,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		MonitoringWindow: cfg.MonitoringWindow,
	}
}

func buildSource(cfg config.PricingConfig, logger zerolog.Logger) (pricing.PriceSource, error) {
	switch cfg.Source {
	case "mock", "":
		return pricing.NewMockSource(time.Now().UnixNano()), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("pricing.base_url is required for the http source")
		}
		return pricing.NewHTTPSource(pricing.HTTPSourceOptions{
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown pricing source %q", cfg.Source)
	}
}
