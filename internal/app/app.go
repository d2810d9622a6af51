// Package app wires configuration into concrete collaborators for the
// binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/analysis"
	"github.com/blociq/docpipe/internal/audit"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/health"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

// RedisOpt is the asynq connection for the configured Redis.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Redis opens a go-redis client on the same Redis asynq uses.
func Redis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// QueueClient returns an Enqueuer on asynq and the client to close.
func QueueClient(cfg *config.Config) (*queue.Client, *asynq.Client) {
	client := asynq.NewClient(RedisOpt(cfg))
	return queue.NewClient(client, cfg.TaskMaxRetry), client
}

// Blobs connects to the document bucket, creating it when missing.
func Blobs(ctx context.Context, cfg *config.Config) (*s3storage.Storage, error) {
	store, err := s3storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// OCR builds the configured extractor behind the OCR cache. Results are
// cached in Redis when rdb is non-nil and in process memory otherwise.
func OCR(cfg *config.Config, rdb redis.UniversalClient, log *zap.Logger) (*ocr.Cached, error) {
	extractor, err := ocr.New(cfg, log.Named("ocr"))
	if err != nil {
		return nil, err
	}
	var cache ocr.Cache
	if rdb != nil {
		cache = ocr.NewRedisCache(rdb, cfg.OCRCacheTTL)
	} else {
		cache = ocr.NewMemoryCache(cfg.OCRCacheTTL)
	}
	return ocr.NewCached(extractor, cache, log.Named("ocr")), nil
}

// Completer is the OpenAI client for the configured model.
func Completer(cfg *config.Config, log *zap.Logger) *analysis.OpenAI {
	return analysis.NewOpenAI(analysis.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: cfg.OpenAITemperature,
		Timeout:     cfg.OpenAITimeout,
		MaxTokens:   cfg.OpenAIMaxTokens,
	}, log.Named("openai"))
}

// Pipeline builds the OCR and analysis stages.
func Pipeline(cfg *config.Config, store repository.Store, blobs s3storage.BlobStore, q queue.Enqueuer, rdb redis.UniversalClient, log *zap.Logger) (*pipeline.Pipeline, error) {
	extractor, err := OCR(cfg, rdb, log)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Store:    store,
		Blobs:    blobs,
		OCR:      extractor,
		Analyzer: analysis.NewAnalyzer(Completer(cfg, log), log.Named("analysis")),
		Queue:    q,
		MaxPages: cfg.MaxPages,
		Logger:   log.Named("pipeline"),
	}), nil
}

// Checks are the dependency probes shared by the worker health service and
// `blociq audit`. Nil collaborators are skipped.
func Checks(cfg *config.Config, store repository.Store, blobs s3storage.BlobStore, rdb redis.UniversalClient) map[string]health.Check {
	checks := map[string]health.Check{
		"config": func(context.Context) error { return cfg.Validate() },
	}
	if store != nil {
		checks["database"] = store.Ping
	}
	if blobs != nil {
		checks["bucket"] = blobs.Ping
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	switch cfg.OCRBackend {
	case config.OCRBackendVision:
		checks["ocr"] = audit.HTTPReachable(nil, cfg.VisionEndpoint+"/files:annotate?key="+url.QueryEscape(cfg.VisionAPIKey), nil, false)
	case config.OCRBackendRemote:
		header := http.Header{}
		if cfg.OCRServiceToken != "" {
			header.Set("Authorization", "Bearer "+cfg.OCRServiceToken)
		}
		checks["ocr"] = audit.HTTPReachable(nil, cfg.OCRServiceURL, header, false)
	}
	checks["completion"] = func(ctx context.Context) error {
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is not set")
		}
		header := http.Header{"Authorization": []string{"Bearer " + cfg.OpenAIAPIKey}}
		return audit.HTTPReachable(nil, cfg.OpenAIBaseURL+"/models", header, true)(ctx)
	}
	return checks
}
