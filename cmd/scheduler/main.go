package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadflow_backend/internal/channel"
	"leadflow_backend/internal/conductor"
	leadsrepo "leadflow_backend/internal/conductor/repository"
	"leadflow_backend/internal/deadletter"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/lock"
	"leadflow_backend/internal/reputation"
	"leadflow_backend/internal/scheduler"
	"leadflow_backend/internal/tenants"
	"leadflow_backend/platform/ai"
	"leadflow_backend/platform/cache"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/db"
	"leadflow_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	var cacheClient *redis.Client
	if err := withRetry(ctx, log, "cache connection", 5, 2*time.Second, func() error {
		c, err := cache.NewClient(ctx, cfg)
		if err != nil {
			return err
		}
		cacheClient = c
		return nil
	}); err != nil {
		log.Error("failed to connect to coordination cache", "error", err)
		panic("failed to connect to coordination cache: " + err.Error())
	}
	defer func() { _ = cacheClient.Close() }()
	log.Info("coordination cache connected")

	eventBus := events.NewInMemoryBus(log)

	schedClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = schedClient.Close() }()

	repo := leadsrepo.New(pool)
	locks := lock.New(cacheClient, log)
	dlqService := deadletter.NewService(deadletter.NewRepository(pool), schedClient, cfg.GetDLQMaxRetries(), log)

	aiGen, err := ai.NewGenerator(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize content generator", "error", err)
		panic("failed to initialize content generator: " + err.Error())
	}

	sender := channel.NewClient(cfg, log)
	if sender == nil {
		log.Warn("CHANNEL_URL not configured; outbound sends will queue for retry")
	}

	cond := conductor.New(
		repo,
		locks,
		reputation.NewController(cacheClient, log),
		dlqService,
		tenants.New(pool),
		channel.NewPhoneNormalizer(),
		channel.NewContentGenerator(aiGen, log),
		sender,
		channel.NewPolicyChecker(log),
		eventBus,
		schedClient,
		cfg,
		log,
	)

	sweeper := conductor.NewSweeper(repo, locks, cacheClient, cfg, log)
	sweepLoop := scheduler.NewSweepLoop(sweeper, dlqService, schedClient, cfg.GetSweepInterval(), log)
	go sweepLoop.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, cond, dlqService, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)

	eventBus.Wait()
	log.Info("scheduler worker shut down")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
