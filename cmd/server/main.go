package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"adventure-server/internal/api"
	"adventure-server/internal/builder"
	"adventure-server/internal/config"
	"adventure-server/internal/database"
	"adventure-server/internal/generation"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/logger"
	"adventure-server/internal/messaging"
	"adventure-server/internal/repository"
	"adventure-server/internal/worker"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisConnectAttempts  = 30
	redisRetryDelay       = 2 * time.Second
	rabbitConnectAttempts = 30
	rabbitRetryDelay      = 3 * time.Second
)

func main() {
	// .env нужен только для локального запуска
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "adventure-server",
		Debug:    cfg.Debug,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	zapLogger.Info("Starting adventure server...", cfg.LogFields()...)

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("Server stopped with error", zap.Error(err))
	}
	zapLogger.Info("Server exited gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Хранилище ---
	pool, err := database.Connect(ctx, database.PoolConfig{
		DSN:         cfg.GetDSN(),
		MaxConns:    cfg.DBMaxConns,
		IdleTimeout: cfg.DBIdleTimeout,
		Attempts:    cfg.DBConnectAttempts,
		RetryDelay:  cfg.DBConnectRetryDelay,
		PingTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("подключение к БД: %w", err)
	}
	defer pool.Close()

	if err := database.ApplyMigrations(cfg.GetDSN(), logger); err != nil {
		return fmt.Errorf("миграции: %w", err)
	}

	jobRepo := repository.NewPgJobRepository(pool, logger)
	storyRepo := repository.NewPgStoryRepository(pool, database.NewTransactionHelper(pool, logger), logger)

	// --- Генерация ---
	aiClient, err := generation.NewAIClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("AI клиент: %w", err)
	}
	prompts := generation.NewPromptBuilder(generation.NewTokenCounter(cfg.AIModel, logger), cfg.AIPromptTokenBudget)
	generator := generation.NewClient(aiClient, prompts, generation.RetryConfig{
		Timeout:     cfg.AITimeout,
		MaxAttempts: cfg.AIMaxAttempts,
		BaseDelay:   cfg.AIBaseRetryDelay,
		Temperature: cfg.AITemperature,
		MaxTokens:   cfg.AIMaxTokens,
	}, logger)
	treeBuilder := builder.New(generator, builder.Config{
		MaxDepth:    cfg.StoryMaxDepth,
		Concurrency: int64(cfg.GenerationConcurrency),
	}, logger)

	// --- Флаги отмены ---
	var cancels interfaces.CancelStore
	if cfg.RedisAddr != "" {
		redisClient, err := setupRedis(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cancels = worker.NewRedisCancelStore(redisClient, cfg.CancelFlagTTL, logger)
	} else {
		logger.Info("REDIS_ADDR not set, cancel flags are kept in memory")
		cancels = worker.NewMemoryCancelStore()
	}

	// --- Очередь задач и уведомления ---
	hub := api.NewEventHub(logger)
	notifiers := messaging.MultiNotifier{hub}

	var dispatcher interfaces.Dispatcher
	var mqConn *amqp.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = messaging.Connect(cfg.RabbitMQURL, rabbitConnectAttempts, rabbitRetryDelay, logger)
		if err != nil {
			return err
		}
		defer mqConn.Close()

		rabbitDispatcher, err := worker.NewRabbitMQDispatcher(mqConn, cfg.JobQueueName, cfg.WorkerCount, logger)
		if err != nil {
			return err
		}
		dispatcher = rabbitDispatcher

		eventsPublisher, err := messaging.NewRabbitMQNotifier(mqConn, cfg.JobEventsQueueName, logger)
		if err != nil {
			return err
		}
		defer eventsPublisher.Close()
		notifiers = append(notifiers, eventsPublisher)
	} else {
		logger.Info("RABBITMQ_URL not set, jobs are dispatched in process")
		dispatcher = worker.NewChannelDispatcher(cfg.JobQueueSize)
	}
	defer dispatcher.Close()

	// --- Оркестратор ---
	orchestrator := worker.NewOrchestrator(jobRepo, storyRepo, treeBuilder, cancels, dispatcher, notifiers,
		worker.Config{
			Workers:      cfg.WorkerCount,
			QueueSize:    cfg.JobQueueSize,
			PollInterval: cfg.JobPollInterval,
			StaleTimeout: cfg.StaleJobTimeout,
		}, logger)
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("запуск оркестратора: %w", err)
	}

	// --- HTTP ---
	events := api.NewJobEventsHandler(orchestrator, hub, cfg.AllowedOrigins, logger)
	router := api.NewRouter(api.RouterConfig{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.AllowedOrigins,
		Debug:          cfg.Debug,
		EnableMetrics:  true,
	}, api.NewJobHandler(orchestrator, events, logger), pool, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.HTTPServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP сервер: %w", err)
	}

	// --- Graceful shutdown ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Orchestrator shutdown timed out, running jobs were interrupted", zap.Error(err))
	}
	return runErr
}

// setupRedis подключается к Redis, повторяя ping, пока сервер поднимается.
func setupRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	logger.Info("Attempting to connect to Redis",
		zap.String("address", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("max_retries", redisConnectAttempts))

	client := redis.NewClient(opts)
	var lastErr error
	for attempt := 1; attempt <= redisConnectAttempts; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		pingCancel()
		if lastErr == nil {
			logger.Info("Successfully connected to Redis", zap.Int("attempt", attempt))
			return client, nil
		}
		logger.Warn("Redis ping failed, retrying...", zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(redisRetryDelay):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("не удалось подключиться к Redis за %d попыток: %w", redisConnectAttempts, lastErr)
}
