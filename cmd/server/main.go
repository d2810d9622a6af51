// Command server runs the document HTTP API. With BLOCIQ_QUEUE=inline it also
// runs the pipeline in-process instead of handing tasks to the worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/api"
	"github.com/blociq/docpipe/internal/app"
	"github.com/blociq/docpipe/internal/auth"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/logging"
	"github.com/blociq/docpipe/internal/processing"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/upload"
	"github.com/blociq/docpipe/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "json").Fatal("load config", zap.Error(err))
	}
	log := logging.Must(cfg.LogLevel, cfg.LogFormat).Named("api")
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

	var (
		enqueuer queue.Enqueuer
		stages   api.Stages
	)
	switch cfg.QueueMode {
	case config.QueueInline:
		pool := processing.New(cfg.ProcessingPool, log.Named("inline"))
		pipe, err := app.Pipeline(cfg, store, blobs, pool, nil, log)
		if err != nil {
			log.Fatal("init pipeline", zap.Error(err))
		}
		pool.Start(ctx, worker.NewProcessor(pipe, log.Named("worker")).Final().Handler())
		defer pool.Wait()
		enqueuer, stages = pool, pipe
	default:
		q, client := app.QueueClient(cfg)
		defer client.Close()
		enqueuer = q
		if cfg.InternalToken != "" {
			rdb := app.Redis(cfg)
			defer rdb.Close()
			pipe, err := app.Pipeline(cfg, store, blobs, q, rdb, log)
			if err != nil {
				log.Fatal("init pipeline", zap.Error(err))
			}
			stages = pipe
		}
	}

	srv := api.New(cfg, api.Deps{
		Store:   store,
		Blobs:   blobs,
		Uploads: upload.NewService(cfg, store, blobs, enqueuer, log.Named("upload")),
		Signer:  auth.NewSigner(cfg.AuthSecret),
		Stages:  stages,
		Logger:  log,
	})
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
