package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/aggregation"
	"github.com/iago/aggregation-orchestrator/internal/config"
	"github.com/iago/aggregation-orchestrator/internal/dispatch"
	httpserver "github.com/iago/aggregation-orchestrator/internal/http"
	"github.com/iago/aggregation-orchestrator/internal/http/handlers"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/queue"
	"github.com/iago/aggregation-orchestrator/internal/service"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/iago/aggregation-orchestrator/internal/worker"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadWithFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := setupRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	jobs, storeName, storeCloser, err := setupStore(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.JobStore).Msg("job store initialization failed")
	}
	defer storeCloser()

	producer, consumer := setupQueue(ctx, cfg, redisClient, logger)

	coordinator := service.NewCoordinator(jobs, producer, logger)
	api := handlers.NewAPI(coordinator, storeName, logger)
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	driverConfig := worker.DriverConfig{
		PollInterval:       time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		PollTimeout:        time.Duration(cfg.PollTimeoutSeconds) * time.Second,
		MaxPollErrors:      cfg.PollMaxErrors,
		TriggerMaxAttempts: cfg.TriggerMaxAttempts,
		FetchMaxAttempts:   cfg.FetchMaxAttempts,
		RetryBackoff:       time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
	}

	var processor *worker.Processor
	if cfg.WorkerEnabled {
		aggregationClient := aggregation.NewHTTPClient(aggregation.HTTPClientConfig{
			BaseURL:         cfg.AggregatorBaseURL,
			ComputationType: cfg.AggregatorComputationType,
			Timeout:         time.Duration(cfg.AggregatorTimeoutMS) * time.Millisecond,
		})
		driver := worker.NewDriver(jobs, aggregationClient, setupDispatcher(cfg, logger), driverConfig, logger)
		processor = worker.NewProcessor(consumer, driver, jobs, cfg.AggregationMaxConcurrent, logger)
		go processor.Start(ctx)
		logger.Info().Int("max_concurrent", cfg.AggregationMaxConcurrent).Msg("aggregation worker started")
	} else {
		logger.Info().Msg("aggregation worker disabled by configuration")
	}

	if cfg.ReaperEnabled {
		grace := time.Duration(cfg.ReaperGraceSeconds) * time.Second
		reaper := worker.NewReaper(jobs, driverConfig.PollTimeout+grace, logger)
		scheduler, err := reaper.Schedule(cfg.ReaperSchedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("reaper schedule invalid")
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", storeName).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if processor != nil {
		processor.Wait()
	}
}

// setupRedis returns nil when Redis is not configured or unreachable.
func setupRedis(ctx context.Context, cfg config.Config, logger *log.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		_ = client.Close()
		return nil
	}
	return client
}

// setupStore honors an explicit JOB_STORE strictly. With no choice made it
// picks postgres, then redis, then memory, falling back on failure.
func setupStore(
	ctx context.Context,
	cfg config.Config,
	redisClient *redis.Client,
	logger *log.Logger,
) (store.JobStore, string, func(), error) {
	noop := func() {}

	switch cfg.JobStore {
	case "memory":
		return store.NewMemoryJobStore(), "memory", noop, nil
	case "redis":
		if redisClient == nil {
			return nil, "", noop, errors.New("JOB_STORE=redis requires a reachable REDIS_ADDR")
		}
		return store.NewRedisJobStore(redisClient, cfg.RedisKeyPrefix), "redis", noop, nil
	case "postgres":
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", noop, err
		}
		return pgStore, "postgres", pgStore.Close, nil
	case "badger":
		badgerStore, err := store.OpenBadgerJobStore(cfg.BadgerDir)
		if err != nil {
			return nil, "", noop, err
		}
		return badgerStore, "badger", func() { _ = badgerStore.Close() }, nil
	case "":
	default:
		return nil, "", noop, fmt.Errorf("unknown JOB_STORE %q", cfg.JobStore)
	}

	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.DatabaseURL)
		if err == nil {
			logger.Info().Msg("postgres job store initialized")
			return pgStore, "postgres", pgStore.Close, nil
		}
		logger.Warn().Err(err).Msg("postgres job store unavailable, trying next backend")
	}
	if redisClient != nil {
		logger.Info().Msg("redis job store initialized")
		return store.NewRedisJobStore(redisClient, cfg.RedisKeyPrefix), "redis", noop, nil
	}
	logger.Warn().Msg("no shared job store configured, using in-memory store")
	return store.NewMemoryJobStore(), "memory", noop, nil
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	redisClient *redis.Client,
	logger *log.Logger,
) (queue.Producer, queue.Consumer) {
	if redisClient != nil {
		streams, err := queue.NewStreamsQueue(ctx, redisClient, queue.StreamsConfig{
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: 3,
		}, logger)
		if err == nil {
			logger.Info().Str("stream", cfg.RedisStream).Msg("redis streams queue initialized")
			return streams, streams
		}
		logger.Warn().Err(err).Msg("redis streams queue unavailable, using local queue")
	} else {
		logger.Info().Msg("REDIS_ADDR not configured, using local queue")
	}
	local := queue.NewLocalQueue(512, 3, logger)
	return local, local
}

func setupDispatcher(cfg config.Config, logger *log.Logger) *dispatch.Dispatcher {
	var apiSink, fileSink dispatch.Sink
	if cfg.EnableAPISending {
		if cfg.ResultsAPIURL == "" {
			logger.Warn().Msg("ENABLE_API_SENDING is set but RESULTS_API_URL is empty, API sink disabled")
		} else {
			apiSink = dispatch.NewAPISink(dispatch.APISinkConfig{
				URL:     cfg.ResultsAPIURL,
				Timeout: time.Duration(cfg.ResultsAPITimeoutMS) * time.Millisecond,
			})
		}
	}
	if cfg.EnableFilesystemSaving {
		fileSink = dispatch.NewFileSink(cfg.ResultsSavePath)
	}
	return dispatch.NewDispatcher(apiSink, fileSink, logger)
}
