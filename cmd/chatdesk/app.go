package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatdesk/internal/chat"
	"chatdesk/internal/codegen"
	"chatdesk/internal/config"
	"chatdesk/internal/crypto"
	"chatdesk/internal/deepsearch"
	"chatdesk/internal/generation"
	"chatdesk/internal/imagegen"
	"chatdesk/internal/metrics"
	"chatdesk/internal/prompt"
	"chatdesk/internal/providers"
	"chatdesk/internal/providers/registry"
	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
	"chatdesk/internal/upload"
	"chatdesk/internal/worker"
)

// app holds the long-lived dependencies shared by serve and worker.
type app struct {
	cfg     *config.Config
	store   *storage.Store
	rdb     *redis.Client
	vault   *crypto.Manager
	metrics *metrics.Metrics
	jobs    *queue.StreamQueue
	gen     *generation.Client
	chat    *chat.Service
	images  *imagegen.Client
	uploads *upload.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	vault, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("initialize crypto manager: %w", err)
	}

	m := metrics.Global()
	outbound := &http.Client{Timeout: cfg.Outbound.ClientTimeout}
	streaming := newStreamingClient(cfg.Outbound.ClientTimeout)

	gen := generation.New(generation.Config{
		Keys:  cfg.Generation.Keys,
		Model: cfg.Generation.Model,
		Factory: func(ctx context.Context, apiKey string) (providers.StreamProvider, error) {
			return registry.Build(ctx, registry.BuildOptions{
				Kind:       cfg.Generation.Provider,
				BaseURL:    cfg.Generation.BaseURL,
				APIKey:     apiKey,
				Model:      cfg.Generation.Model,
				HTTPClient: streaming,
			})
		},
		Logger:  log.Logger,
		Metrics: m,
	})

	search := deepsearch.New(deepsearch.Config{
		BaseURL:      cfg.DeepSearch.BaseURL,
		APIKey:       cfg.DeepSearch.APIKey,
		Model:        cfg.DeepSearch.Model,
		SystemPrompt: cfg.DeepSearch.SystemPrompt,
		HTTPClient:   outbound,
		MaxRetries:   cfg.Outbound.MaxRetries,
		BackoffBase:  cfg.Outbound.BackoffBase,
	})

	images := imagegen.New(imagegen.Config{
		URL:     cfg.ImageGen.URL,
		APIKey:  cfg.ImageGen.APIKey,
		Model:   cfg.ImageGen.Model,
		Width:   cfg.ImageGen.Width,
		Height:  cfg.ImageGen.Height,
		Logger:  log.Logger,
		Metrics: m,
	})

	jobs := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	chatSvc := chat.New(chat.Config{
		Store:     store,
		Generator: gen,
		Search:    search,
		Images:    images,
		Vault:     vault,
		Composer:  prompt.NewComposer(0),
		Projects:  jobs,
		Logger:    log.Logger,
	})

	log.Info().
		Str("provider", cfg.Generation.Provider).
		Int("credentials", gen.Size()).
		Bool("deep_search", search.Enabled()).
		Bool("image_gen", images.Enabled()).
		Msg("services initialized")

	return &app{
		cfg:     cfg,
		store:   store,
		rdb:     rdb,
		vault:   vault,
		metrics: m,
		jobs:    jobs,
		gen:     gen,
		chat:    chatSvc,
		images:  images,
		uploads: upload.New(upload.Config{MaxBytes: cfg.Upload.MaxBytes, Logger: log.Logger, Metrics: m}),
	}, nil
}

func (a *app) worker() *worker.Worker {
	return worker.New(worker.Config{
		Queue: a.jobs,
		Builder: codegen.New(codegen.Config{
			Generator: a.gen,
			Review:    a.cfg.Worker.Review,
			Logger:    log.Logger,
		}),
		Recorder:      a.chat,
		MaxJobRetries: a.cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       a.metrics,
	})
}

// newStreamingClient bounds the wait for response headers only. Model
// responses are streamed for as long as the request context allows.
func newStreamingClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}

func (a *app) Close() {
	if a.images != nil {
		if err := a.images.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close image service connection")
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close storage")
		}
	}
}
