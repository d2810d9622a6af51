package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/app"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/health"
	"github.com/blociq/docpipe/internal/logging"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "json").Fatal("load config", zap.Error(err))
	}
	log := logging.Must(cfg.LogLevel, cfg.LogFormat).Named("worker")
	defer log.Sync()

	store, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("open job store", zap.Error(err))
	}
	defer store.Close()

	blobs, err := app.Blobs(ctx, cfg)
	if err != nil {
		log.Fatal("init storage", zap.Error(err))
	}

	rdb := app.Redis(cfg)
	defer rdb.Close()
	q, client := app.QueueClient(cfg)
	defer client.Close()

	pipe, err := app.Pipeline(cfg, store, blobs, q, rdb, log)
	if err != nil {
		log.Fatal("init pipeline", zap.Error(err))
	}

	hs := health.New(app.Checks(cfg, store, blobs, rdb), 0, log.Named("health"))
	go func() {
		if err := hs.Serve(ctx, cfg.HealthAddress); err != nil {
			log.Error("health server stopped", zap.Error(err))
		}
	}()

	server := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      log.Named("asynq").Sugar(),
	})
	processor := worker.NewProcessor(pipe, log)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info("worker started",
		zap.Int("concurrency", cfg.ProcessingPool),
		zap.String("ocr_backend", cfg.OCRBackend),
		zap.String("health_addr", cfg.HealthAddress),
	)
	if err := server.Run(mux); err != nil {
		log.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
