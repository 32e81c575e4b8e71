package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/catalog-gateway/internal/config"
	"github.com/Sternrassler/catalog-gateway/internal/gateway"
	"github.com/Sternrassler/catalog-gateway/pkg/budget"
	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/logging"
	"github.com/Sternrassler/catalog-gateway/pkg/upstream"
	"github.com/Sternrassler/catalog-gateway/pkg/warmup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger(logging.ComponentGateway)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	if !cfg.APIKeyConfigured() {
		logger.Warn().Msg("OCS_API_KEY is not set, catalog routes will answer 503")
	}

	if err := a.warmer.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to start warm-up")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(":" + cfg.Port)
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("upstream", cfg.BaseURL).
		Bool("redis", cfg.RedisURL != "").
		Msg("Catalog gateway started")

	select {
	case err := <-errCh:
		_ = a.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	return a.shutdown(shutdownCtx)
}

// app holds the wired components of the gateway.
type app struct {
	server     *gateway.Server
	cache      *cache.Cache
	warmer     *warmup.Warmer
	closeStore func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, closeStore, err := newBudgetStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	tracker, err := budget.NewTracker(store, budgetConfig(cfg), logging.NewLogger(logging.ComponentBudget))
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create error budget: %w", err)
	}

	clientCfg := upstream.DefaultConfig(cfg.BaseURL, cfg.APIKey)
	clientCfg.Retry = cfg.Retry
	clientCfg.Budget = tracker
	client, err := upstream.New(clientCfg)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	routes := gateway.DefaultRoutes()

	var fallback cache.FallbackProvider = cache.NoFallback{}
	if cfg.DemoFallback {
		fallback = gateway.NewDemoFallback(routes)
	}

	c, err := cache.New(cache.Config{
		MaxEntries:     cfg.MaxEntries,
		HardTTL:        cfg.HardTTL,
		RefreshGrace:   cfg.RefreshGrace,
		RefreshTimeout: cfg.RefreshTimeout,
		FailureBackoff: cache.DefaultFailureBackoff,
		Fallback:       fallback,
	})
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	server, err := gateway.New(c, client, tracker, gateway.Config{
		Routes:           routes,
		Policies:         cfg.Policies,
		CORSAllowOrigins: cfg.CORSAllowOrigins,
	})
	if err != nil {
		_ = c.Shutdown(ctx)
		_ = closeStore()
		return nil, fmt.Errorf("create server: %w", err)
	}

	warmCfg := warmup.DefaultConfig()
	warmCfg.Interval = cfg.WarmupInterval
	warmCfg.Timeout = cfg.Policies.Lookup(cache.ClassStatic).ReadTimeout

	return &app{
		server:     server,
		cache:      c,
		warmer:     warmup.New(server.WarmupTargets(), warmCfg),
		closeStore: closeStore,
	}, nil
}

// shutdown stops the server first so no request starts a refresh the cache
// would then cancel.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	a.warmer.Stop()
	if err := a.cache.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("budget store: %w", err))
	}
	return errors.Join(errs...)
}

// newBudgetStore connects to Redis when redisURL is set and keeps the error
// budget in memory otherwise. An unreachable Redis is fatal.
func newBudgetStore(ctx context.Context, redisURL string) (budget.Store, func() error, error) {
	if redisURL == "" {
		return budget.NewMemoryStore(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	return budget.NewRedisStore(client, budget.DefaultRedisKey), client.Close, nil
}

// budgetConfig scales the default thresholds to the configured budget.
// A scaled critical threshold never drops below one, so an exhausted budget
// always blocks.
func budgetConfig(cfg config.Config) budget.Config {
	bc := budget.DefaultConfig()
	bc.MaxErrors = cfg.BudgetMaxErrors
	bc.Window = cfg.BudgetWindow

	if bc.WarningThreshold > bc.MaxErrors {
		bc.CriticalThreshold = max(1, bc.MaxErrors*budget.DefaultCriticalThreshold/budget.DefaultMaxErrors)
		bc.WarningThreshold = max(bc.CriticalThreshold, bc.MaxErrors*budget.DefaultWarningThreshold/budget.DefaultMaxErrors)
	}
	return bc
}
