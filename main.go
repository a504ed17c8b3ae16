package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jupark12/recipe-ingest/config"
	"github.com/jupark12/recipe-ingest/gateway"
	"github.com/jupark12/recipe-ingest/notify"
	"github.com/jupark12/recipe-ingest/queue"
	"github.com/jupark12/recipe-ingest/recipes"
	"github.com/jupark12/recipe-ingest/server"
	"github.com/jupark12/recipe-ingest/stage"
	"github.com/jupark12/recipe-ingest/store"
	"github.com/jupark12/recipe-ingest/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("recipe-ingest exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Job store
	var (
		jobs     store.JobStore
		memStore *store.MemoryStore
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		closers = append(closers, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
		jobs = pg
	default:
		memStore, err = store.NewMemoryStore(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		jobs = memStore
	}

	// Redis backs the queue and the submission rate limiter.
	var redisClient *redis.Client
	if cfg.QueueBackend == config.BackendRedis || cfg.RateLimitPerSec > 0 {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		closers = append(closers, func() { redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case config.BackendRedis:
		q = queue.NewRedisQueue(redisClient, cfg.QueuePrefix, cfg.LeaseTimeout, cfg.QueuePollInterval)
	default:
		q = queue.NewJobQueue(cfg.LeaseTimeout)
	}

	recipeStore, closeRecipes, err := newRecipeStore(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeRecipes)

	var media worker.MediaMirror
	if cfg.MediaBucket != "" {
		client, err := recipes.NewS3Client(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return fmt.Errorf("create media client: %w", err)
		}
		if err := recipes.EnsureBucket(ctx, client, cfg.MediaBucket); err != nil {
			return fmt.Errorf("ensure media bucket: %w", err)
		}
		media = recipes.NewMediaMirror(client, cfg.MediaBucket, cfg.MediaPublicURL, logger)
	}

	hub := notify.NewHub(logger)
	hub.Start(ctx)
	notifiers := notify.Multi{hub}
	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		closers = append(closers, func() { conn.Close() })
		publisher, err := notify.NewRabbitPublisher(conn, cfg.NotifyExchange, notify.DefaultRoutingKey)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		closers = append(closers, func() { publisher.Close() })
		notifiers = append(notifiers, publisher)
	}

	router := stage.NewRouter(stage.NewHTMLScraper())
	if cfg.ApifyToken != "" {
		apify := stage.NewApifyScraper(cfg.ApifyToken, cfg.ApifyBaseURL, logger)
		router.Handle("instagram", apify).Handle("tiktok", apify)
	} else {
		logger.Warn("APIFY_API_TOKEN not set, social posts are scraped from page metadata only")
	}
	if path, err := exec.LookPath(cfg.YtDlpPath); err == nil {
		router.Handle("youtube", stage.NewYtDlpScraper(path))
	} else {
		logger.Warn("yt-dlp not found, YouTube links are scraped from page metadata only", "path", cfg.YtDlpPath)
	}
	if cfg.OpenAIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, analysis requests will be rejected")
	}
	analyzer := stage.NewOpenAIAnalyzer(cfg.OpenAIKey, cfg.OpenAIEndpoint, cfg.OpenAIModel, logger)

	gw := gateway.New(jobs, q, logger)

	pool := worker.NewPool(cfg.NumWorkers, worker.Deps{
		Jobs:     jobs,
		Queue:    q,
		Scrape:   stage.NewScrapeExecutor(stage.NewRateLimitedScraper(router, cfg.ScrapeRate, 1), cfg.ScrapeTimeout),
		Analyze:  stage.NewAnalyzeExecutor(analyzer, cfg.AnalyzeTimeout),
		Recipes:  recipeStore,
		Media:    media,
		Notifier: notifiers,
	}, worker.Config{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		PersistTimeout: cfg.PersistTimeout,
		NotifyTimeout:  cfg.NotifyTimeout,
		MediaTimeout:   cfg.MediaTimeout,
		PollInterval:   cfg.QueuePollInterval,
	}, logger)
	pool.SetNotifier(hub.BroadcastJobUpdate)

	if memStore != nil {
		if _, _, err := memStore.Load(); err != nil {
			logger.Warn("failed to load existing jobs", "err", err)
		}
	}
	// An in-memory queue starts empty, and a Redis queue may have lost
	// entries, so every unfinished record is offered to the queue again.
	if lister, ok := jobs.(store.UnfinishedLister); ok {
		n, err := gw.ResumeUnfinished(ctx, lister)
		if err != nil {
			logger.Warn("failed to resume unfinished jobs", "err", err)
		} else if n > 0 {
			logger.Info("resumed unfinished jobs", "count", n)
		}
	}

	var limiter gin.HandlerFunc
	if cfg.RateLimitPerSec > 0 {
		limiter = server.NewRateLimiter(server.RateLimiterConfig{
			Client: redisClient,
			Limit:  cfg.RateLimitPerSec,
			Window: time.Second,
			Logger: logger,
		})
	}
	srv := server.NewServer(gw, hub, cfg.HTTPAddr, limiter, logger)
	srvErr := srv.Start()

	pool.Start(ctx)
	logger.Info("recipe ingest service started", "workers", pool.Size(),
		"store", cfg.StoreBackend, "queue", cfg.QueueBackend, "recipes", cfg.RecipeBackend,
		"media_mirroring", media != nil)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			logger.Error("HTTP server failed", "err", err)
		}
		stop()
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("HTTP shutdown", "err", err)
	}
	pool.Wait()
	return nil
}

// newRecipeStore opens the configured recipe store. The returned func
// releases its connections and is never nil.
func newRecipeStore(ctx context.Context, cfg config.Config) (recipes.Store, func(), error) {
	noop := func() {}
	switch cfg.RecipeBackend {
	case config.BackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, noop, fmt.Errorf("open recipe database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, noop, fmt.Errorf("open recipe database: %w", err)
		}
		closeDB := func() { sqlDB.Close() }
		s := recipes.NewGormStore(db)
		if err := s.Migrate(ctx); err != nil {
			closeDB()
			return nil, noop, fmt.Errorf("migrate recipe store: %w", err)
		}
		return s, closeDB, nil
	case config.BackendS3:
		client, err := recipes.NewS3Client(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			return nil, noop, fmt.Errorf("create s3 client: %w", err)
		}
		s := recipes.NewS3Store(client, cfg.S3Bucket)
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, noop, fmt.Errorf("ensure bucket: %w", err)
		}
		return s, noop, nil
	default:
		return recipes.NewMemoryStore(), noop, nil
	}
}
