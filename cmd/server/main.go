package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tasklist/internal/handler"
	"tasklist/internal/httpserver"
	"tasklist/internal/repository"
	"tasklist/internal/task"
	"tasklist/pkg/config"
	"tasklist/pkg/db"
	"tasklist/pkg/idempotency"
	"tasklist/pkg/logger"
	"tasklist/pkg/mq"
	"tasklist/pkg/otel"
	"tasklist/pkg/outbox"
	redisclient "tasklist/pkg/redis"
)

func main() {
	env := config.GetConfigEnv()
	cfg, err := config.Load(env, config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting task-service...",
		zap.String("env", env),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("mq_enabled", cfg.MQ.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	var (
		repo      task.Repository
		store     httpserver.Pinger
		publisher *mq.Publisher
	)

	switch cfg.Storage.Driver {
	case "memory":
		mem := repository.NewMemoryTaskRepository(log)
		repo, store = mem, mem
		log.Warn("Using in-memory task store; data is lost on restart")

	case "postgres":
		log.Info("Initializing database connection...")
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer pool.Close()

		if cfg.DB.AutoMigrate {
			if err := db.EnsureSchema(ctx, pool); err != nil {
				log.Fatal("Failed to ensure schema", zap.Error(err))
			}
			log.Info("Database schema ensured")
		}

		pgRepo := repository.NewTaskRepository(pool, log)
		if cfg.Outbox.Enabled {
			outboxRepo := outbox.NewRepository(pool)
			pgRepo.WithOutbox(outboxRepo)

			if cfg.MQ.Enabled {
				log.Info("Initializing MQ publisher...", zap.String("exchange", cfg.MQ.Exchange))
				publisher, err = mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
				if err != nil {
					log.Fatal("Failed to init MQ publisher", zap.Error(err))
				}
				defer publisher.Close()

				dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
					WithInterval(cfg.Outbox.Interval).
					WithBatchSize(cfg.Outbox.BatchSize).
					WithMaxRetries(cfg.Outbox.MaxRetries)
				go dispatcher.Start(ctx)
			} else {
				log.Warn("Outbox enabled without MQ; events accumulate as pending")
			}
		}
		repo, store = pgRepo, pgRepo

	default:
		log.Fatal("Unknown storage driver", zap.String("driver", cfg.Storage.Driver))
	}

	taskHandler := handler.NewTaskHandler(task.NewService(repo, nil), log)

	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			// 幂等键是可选能力：Redis 不可用时继续启动
			log.Warn("Redis unavailable, Idempotency-Key disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			taskHandler.WithIdempotency(idempotency.NewStore(rdb, cfg.Redis.IdempotencyTTL, log))
			log.Info("Idempotency-Key support enabled", zap.Duration("ttl", cfg.Redis.IdempotencyTTL))
		}
	}

	opts := httpserver.Options{CORSOrigins: cfg.Server.CORSOrigins, Store: store}
	if publisher != nil {
		opts.Publisher = publisher
	}
	router := httpserver.NewRouter(taskHandler, log, opts)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	<-ctx.Done()
	log.Info("Shutting down task-service gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("task-service shutdown complete")
}
