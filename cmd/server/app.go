package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/synopsis/internal/api"
	"github.com/phrazzld/synopsis/internal/config"
	"github.com/phrazzld/synopsis/internal/events"
	"github.com/phrazzld/synopsis/internal/extraction"
	"github.com/phrazzld/synopsis/internal/generation"
	"github.com/phrazzld/synopsis/internal/platform/gemini"
	"github.com/phrazzld/synopsis/internal/platform/openai"
	"github.com/phrazzld/synopsis/internal/platform/postgres"
	"github.com/phrazzld/synopsis/internal/platform/sqlite"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/phrazzld/synopsis/internal/ratelimit"
	"github.com/phrazzld/synopsis/internal/store"
	"github.com/phrazzld/synopsis/internal/task"
	"github.com/phrazzld/synopsis/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	modeAll    = "all"
	modeAPI    = "api"
	modeWorker = "worker"

	// bucketTTL expires idle rate limiter buckets.
	bucketTTL = 10 * time.Minute
)

// application holds the process's shared dependencies so they can be
// released together on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db      *sql.DB
	redis   *redis.Client
	jobs    store.JobStore
	queue   queue.Queue
	metrics *telemetry.Metrics

	// broadcaster fans events out to event stream clients (api side).
	broadcaster *events.Broadcaster
	// relay carries events between processes when the queue is shared.
	relay *events.RedisRelay
	// publisher is where the producer and pipeline send events.
	publisher events.Publisher

	router http.Handler
	pool   *task.WorkerPool
}

// newApplication builds every component the configured mode needs. On error
// the components built so far are released.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{
		config:  cfg,
		logger:  logger,
		metrics: telemetry.New(),
	}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	if needsRedis(cfg) {
		if err := app.connectRedis(ctx); err != nil {
			return nil, err
		}
	}
	if err := app.openStore(ctx); err != nil {
		return nil, err
	}
	app.openQueue()
	app.setupEvents()

	catalog, err := generation.LoadCatalog(cfg.LLM.TemplatesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	logger.Info("template catalog loaded", "templates", catalog.IDs())

	providers, err := buildProviders(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	registry, err := generation.NewRegistry(cfg.LLM.DefaultProvider, providers...)
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	if runsAPI(cfg.Server.Mode) {
		app.setupRouter(catalog, registry)
	}
	if runsWorkers(cfg.Server.Mode) {
		app.setupWorkers(ctx, catalog, registry)
	}

	logger.Info("application initialized", "mode", cfg.Server.Mode)
	return app, nil
}

func runsAPI(mode string) bool     { return mode == modeAll || mode == modeAPI }
func runsWorkers(mode string) bool { return mode == modeAll || mode == modeWorker }

func needsRedis(cfg *config.Config) bool {
	return cfg.Queue.Backend == "redis" ||
		cfg.LLM.RateLimitCapacity > 0 ||
		cfg.Server.SubmitRateCapacity > 0
}

func (app *application) connectRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", app.config.Redis.Addr, err)
	}
	app.redis = client
	app.logger.Info("redis connection established", "addr", app.config.Redis.Addr)
	return nil
}

func (app *application) openStore(ctx context.Context) error {
	cfg := app.config.Database
	switch cfg.Driver {
	case "postgres":
		pool := postgres.DefaultPoolConfig()
		if cfg.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.MaxOpenConns
		}
		db, err := postgres.Open(ctx, cfg.URL, pool, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		if err := postgres.Migrate(ctx, db, app.logger); err != nil {
			return err
		}
		app.jobs = postgres.NewPostgresJobStore(db)

	case "sqlite":
		db, err := sqlite.Open(cfg.URL)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		app.db = db.DB
		app.jobs = sqlite.NewJobStore(db.DB)
		app.logger.Info("sqlite database opened", "dsn", cfg.URL)

	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return nil
}

func (app *application) openQueue() {
	cfg := app.config.Queue
	if cfg.Backend == "redis" {
		app.queue = queue.NewRedisQueue(app.redis, cfg.Name, cfg.VisibilityTimeout)
		return
	}
	app.queue = queue.NewMemoryQueue(cfg.VisibilityTimeout)
}

// setupEvents picks the event path. With a shared queue the worker may run
// in another process, so events go through the redis relay and api
// processes forward them into their local broadcaster.
func (app *application) setupEvents() {
	mode := app.config.Server.Mode
	if runsAPI(mode) {
		app.broadcaster = events.NewBroadcaster(app.logger, 0)
	}

	if app.config.Queue.Backend == "redis" {
		app.relay = events.NewRedisRelay(app.redis, app.logger)
		app.publisher = app.relay
		return
	}
	app.publisher = app.broadcaster
}

func (app *application) setupRouter(catalog *generation.Catalog, registry *generation.Registry) {
	cfg := app.config
	producer := task.NewProducer(app.jobs, app.queue, catalog, app.publisher, app.metrics, app.logger,
		task.WithProviderCheck(registry))

	checks := map[string]api.HealthCheck{
		"database": app.db.PingContext,
		"queue": func(ctx context.Context) error {
			_, err := app.queue.Depth(ctx)
			return err
		},
	}
	if app.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return app.redis.Ping(ctx).Err() }
	}

	routerCfg := api.RouterConfig{
		Jobs:          producer,
		Rooms:         app.broadcaster,
		DeadLetters:   app.queue,
		Metrics:       app.metrics.Handler(),
		Checks:        checks,
		OnRateLimited: app.metrics.RateLimitRejects.Inc,
		Heartbeat:     cfg.Server.EventsHeartbeat,
		Logger:        app.logger,
	}
	if cfg.Server.SubmitRateCapacity > 0 {
		routerCfg.SubmitLimiter = ratelimit.NewTokenBucket(app.redis,
			cfg.Server.SubmitRateCapacity, cfg.Server.SubmitRateRefill, bucketTTL)
	}
	app.router = api.NewRouter(routerCfg)
}

func (app *application) setupWorkers(ctx context.Context, catalog *generation.Catalog, registry *generation.Registry) {
	cfg := app.config

	opts := []generation.Option{generation.WithRecorder(app.metrics)}
	if cfg.LLM.RateLimitCapacity > 0 {
		opts = append(opts, generation.WithLimiter(ratelimit.NewTokenBucket(app.redis,
			cfg.LLM.RateLimitCapacity, cfg.LLM.RateLimitRefill, bucketTTL)))
	}
	orchestrator := generation.NewOrchestrator(registry, generation.Config{
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryBaseDelay: cfg.LLM.RetryBaseDelay,
		CallTimeout:    cfg.LLM.CallTimeout,
		Concurrency:    cfg.LLM.Concurrency,
	}, app.logger, opts...)

	gateway := buildGateway(ctx, cfg.Extraction, app.logger)
	pipeline := task.NewPipeline(app.jobs, gateway, catalog, orchestrator, app.publisher, app.logger,
		task.WithPipelineRecorder(app.metrics),
		task.WithPipelineProviders(registry))

	app.pool = task.NewWorkerPool(app.queue, pipeline, task.WorkerPoolConfig{
		WorkerCount:    cfg.Queue.Workers,
		Visibility:     cfg.Queue.VisibilityTimeout,
		PollInterval:   cfg.Queue.PollInterval,
		ReapInterval:   cfg.Queue.ReapInterval,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay,
	}, app.metrics, app.logger)
}

// buildProviders creates a provider for every configured API key.
func buildProviders(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) ([]generation.Provider, error) {
	var providers []generation.Provider
	if cfg.GeminiAPIKey != "" {
		p, err := gemini.NewProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.CallTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai provider: %w", err)
		}
		providers = append(providers, c)
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info("llm providers initialized", "providers", names, "default", cfg.DefaultProvider)
	return providers, nil
}

// buildGateway registers the http and s3 fetchers. S3 is left out when no
// AWS configuration can be loaded.
func buildGateway(ctx context.Context, cfg config.ExtractionConfig, logger *slog.Logger) *extraction.Router {
	gateway := extraction.NewRouter().
		Register(extraction.NewHTTPFetcher(cfg.HTTPTimeout, cfg.MaxBytes), "http", "https")

	s3Fetcher, err := extraction.NewS3Fetcher(ctx, extraction.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
		MaxBytes:  cfg.MaxBytes,
	})
	if err != nil {
		logger.Warn("s3 sources disabled", "error", err)
		return gateway
	}
	return gateway.Register(s3Fetcher, "s3")
}

// Run starts the configured halves and blocks until ctx is cancelled or one
// of them fails, then shuts everything down.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if app.relay != nil && app.broadcaster != nil {
		ready := make(chan struct{})
		g.Go(func() error {
			err := app.relay.Run(gctx, app.broadcaster, ready)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event relay: %w", err)
			}
			return nil
		})
		select {
		case <-ready:
		case <-gctx.Done():
		}
	}

	if app.pool != nil {
		app.pool.Start()
		g.Go(func() error {
			<-gctx.Done()
			app.pool.Stop()
			return nil
		})
	}

	if app.router != nil {
		g.Go(func() error {
			return app.serveHTTP(gctx)
		})
	} else {
		app.logger.Info("running without HTTP surface")
	}

	return g.Wait()
}

// cleanup releases resources in reverse order of creation.
func (app *application) cleanup() {
	if app.broadcaster != nil {
		app.broadcaster.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
