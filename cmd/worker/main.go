package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tasklist/internal/taskevents"
	"tasklist/pkg/config"
	"tasklist/pkg/logger"
	"tasklist/pkg/mq"
	redisclient "tasklist/pkg/redis"
	"tasklist/pkg/util"
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

	log.Info("Starting task events worker...",
		zap.String("env", env),
		zap.String("queue", cfg.Worker.Queue),
		zap.String("binding_key", cfg.Worker.BindingKey),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.Exchange, cfg.Worker.Queue, cfg.Worker.BindingKey, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	var dedup taskevents.Deduper
	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, running without dedup and retry budget", zap.Error(err))
		} else {
			defer rdb.Close()
			dedup = util.NewDeduper(rdb, cfg.Worker.DedupTTL, log)
			consumer.WithRetries(util.NewRetryCounter(rdb, cfg.Worker.DedupTTL), cfg.Worker.MaxRetries)
		}
	}

	handler := taskevents.NewHandler(dedup, log)
	consumer.SetHandler(handler.Handle)

	log.Info("Worker is ready to process task events")
	if err := consumer.StartConsuming(ctx); err != nil {
		log.Error("Consumer stopped", zap.Error(err))
		return
	}

	log.Info("Task events worker shutdown complete")
}
