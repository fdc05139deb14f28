// Package main is the entrypoint for the shelfmark job orchestrator. One binary
// serves the HTTP API, runs the worker pool and the reconciler sweep; the
// SHELFMARK_ROLE variable selects which of them a process runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/providers"
	"github.com/kiranshivaraju/shelfmark/internal/api"
	"github.com/kiranshivaraju/shelfmark/internal/api/handler"
	mw "github.com/kiranshivaraju/shelfmark/internal/api/middleware"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/cache"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	viewCacheTTL    = 10 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "role", cfg.Server.Role, "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	provider, err := providers.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name(), "default_model", provider.DefaultModel())

	c := wire(cfg, backends{
		store:   store.NewPostgresStore(pool),
		broker:  broker.NewRedisBroker(redisClient, cfg.Broker.Queue, brokerOptions(cfg.Broker)),
		cache:   cache.NewRedisCacheFromClient(redisClient),
		catalog: catalog.NewPostgresCatalog(pool),
		ai:      provider,
	})

	return serve(ctx, cfg, c)
}

// backends are the external systems the orchestrator talks to. Tests swap in
// the in-memory implementations.
type backends struct {
	store   store.Store
	broker  broker.Broker
	cache   cache.Cache
	catalog catalog.Catalog
	ai      models.AIProvider
}

type components struct {
	gateway    *jobs.Gateway
	batches    *jobs.BatchCoordinator
	reconciler *jobs.Reconciler
	pool       *jobs.Pool
	replayer   *jobs.DeadLetterReplayer
	router     http.Handler
}

func brokerOptions(cfg config.BrokerConfig) broker.Options {
	return broker.Options{
		VisibilityTimeout:   cfg.VisibilityTimeout,
		MaxDeliveries:       cfg.MaxDeliveries,
		DeadLetterRetention: cfg.DeadLetterRetention,
	}
}

// wire builds every component and connects the completion and dead-letter
// hooks between them.
func wire(cfg *config.Config, b backends) *components {
	svc := ai.NewService(b.ai, cfg.AI.InferenceTimeout, cfg.AI.AllowedModels)
	reg := jobs.DefaultRegistry()

	rec := jobs.NewReconciler(b.store, cfg.Reconciler.StaleThreshold,
		jobs.WithSweepInterval(cfg.Reconciler.Interval))
	gw := jobs.NewGateway(b.store, b.broker, b.catalog, reg, svc, rec,
		jobs.WithViewCache(b.cache, viewCacheTTL))
	batches := jobs.NewBatchCoordinator(b.store, gw, b.broker, b.catalog)

	gw.OnJobFinished(batches.ChildFinished)
	rec.OnJobFinished(batches.ChildFinished)
	b.broker.OnDeadLetter(jobs.DeadLetterHandler(rec, batches))
	replayer := jobs.NewDeadLetterReplayer(b.broker, b.store, gw, batches)

	workers := jobs.NewPool(b.broker, b.store, b.catalog, reg, svc,
		jobs.WithConcurrency(cfg.Worker.Concurrency),
		jobs.WithPollInterval(cfg.Worker.PollInterval),
		jobs.WithJobTimeout(cfg.Worker.JobTimeout),
		jobs.WithVisibilityHeartbeat(cfg.Broker.VisibilityTimeout),
		jobs.WithRetryPolicy(jobs.RetryPolicy{
			MaxRetries: cfg.Worker.MaxRetries,
			BaseDelay:  cfg.Worker.RetryBaseDelay,
			MaxDelay:   cfg.Worker.RetryMaxDelay,
		}),
		jobs.WithBatchCoordinator(batches),
		jobs.WithJobFinished(batches.ChildFinished),
	)

	router := api.NewRouter(api.Dependencies{
		Auth:               mw.NewAuth(b.store),
		RateLimit:          mw.NewRateLimit(b.cache, cfg.Server.RateLimitPerMinute),
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": b.store,
			"broker":   b.broker,
			"cache":    b.cache,
		}),

		SubmitJobHandler:   handler.NewSubmitJobHandler(gw),
		JobStatusHandler:   handler.NewJobStatusHandler(gw),
		JobArtifactHandler: handler.NewJobArtifactHandler(gw, b.catalog),
		ActiveJobHandler:   handler.NewActiveJobHandler(gw),
		CancelJobHandler:   handler.NewCancelJobHandler(gw),
		RetryJobHandler:    handler.NewRetryJobHandler(gw),

		SubmitBatchHandler: handler.NewSubmitBatchHandler(batches),
		BatchStatusHandler: handler.NewBatchStatusHandler(batches),
		BatchItemsHandler:  handler.NewBatchItemsHandler(batches),
		CancelBatchHandler: handler.NewCancelBatchHandler(batches),

		ListDeadLettersHandler:  handler.NewListDeadLettersHandler(replayer),
		ReplayDeadLetterHandler: handler.NewReplayDeadLetterHandler(replayer),
	})

	return &components{gateway: gw, batches: batches, reconciler: rec, pool: workers, replayer: replayer, router: router}
}

// serve runs the parts of c selected by the process role until ctx is
// cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, c *components) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.RunsAPI() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		srv := &http.Server{
			Addr:         addr,
			Handler:      c.router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			slog.Info("server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("shutdown signal received, draining connections...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	if cfg.RunsWorkers() {
		g.Go(func() error { return c.pool.Run(ctx) })
		g.Go(func() error { return c.reconciler.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("stopped gracefully", "role", cfg.Server.Role)
	return nil
}
