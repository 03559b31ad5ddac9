package main

import (
	"context"
	"fmt"

	"github.com/iago/aischool-back/internal/config"
	"github.com/iago/aischool-back/internal/extract"
	"github.com/iago/aischool-back/internal/gemini"
	"github.com/iago/aischool-back/internal/limiter"
	"github.com/iago/aischool-back/internal/notify"
	"github.com/iago/aischool-back/internal/pipeline"
	"github.com/iago/aischool-back/internal/queue"
	"github.com/iago/aischool-back/internal/render"
	"github.com/iago/aischool-back/internal/repository"
	"github.com/iago/aischool-back/internal/service"
	"github.com/iago/aischool-back/internal/storage"
	"github.com/iago/aischool-back/internal/timeline"
	"github.com/iago/aischool-back/internal/tts"
	"github.com/iago/aischool-back/internal/worker"
	"go.uber.org/zap"
)

// app holds everything one process shares: the API, the workers and the
// operator commands all go through the same repository and queue.
type app struct {
	cfg      config.Config
	logger   *zap.SugaredLogger
	repo     repository.JobRepository
	store    *storage.ArtifactStore
	queue    *queue.Backend
	bulk     *queue.BatchingProducer
	jobs     *service.JobService
	remotion *render.RemotionClient

	closers []func()
}

// appOptions differ per command. The server may degrade to in-memory state;
// operator commands that enqueue must reach the shared queue or change nothing.
type appOptions struct {
	repositoryFallback bool
	sharedQueue        bool
}

// newApp wires storage, persistence and the queue.
func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.NewArtifactStore(cfg.Storage.BasePath)
	if err != nil {
		return nil, err
	}
	a.store = store

	streams := queue.StreamsConfig{
		Addr:      cfg.Queue.RedisAddr,
		Password:  cfg.Queue.RedisPassword,
		DB:        cfg.Queue.RedisDB,
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer,
		ClaimIdle: cfg.Queue.ClaimIdle,
	}
	if opts.sharedQueue {
		backend, err := queue.OpenShared(ctx, streams, logger)
		if err != nil {
			return nil, fmt.Errorf("%w; this command needs queue.redis_addr so a worker can pick the job up", err)
		}
		a.queue = backend
	} else {
		a.queue = queue.Open(ctx, queue.OpenConfig{Streams: streams, LocalCapacity: cfg.Queue.LocalCapacity}, logger)
	}
	a.closers = append(a.closers, func() { _ = a.queue.Close() })

	repo, err := setupRepository(ctx, cfg, logger, opts.repositoryFallback)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, func() { _ = repo.Close() })

	a.bulk = queue.NewBatchingProducer(ctx, a.queue, queue.BatchingConfig{
		MaxBatchSize:       cfg.Queue.BatchSize,
		FlushInterval:      cfg.Queue.BatchFlush,
		MaxInFlightBatches: cfg.Queue.BatchMaxFlight,
	})
	a.closers = append(a.closers, a.bulk.Close)

	var producer queue.Producer = a.queue
	if cfg.Queue.Batching {
		producer = a.bulk
		logger.Infow("queue batching enabled", "batch_size", cfg.Queue.BatchSize, "flush", cfg.Queue.BatchFlush)
	}
	a.jobs = service.NewJobService(repo, store, producer, service.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		Bulk:           a.bulk,
	}, logger)

	a.remotion = render.NewRemotionClient(render.RemotionConfig{
		URL:     cfg.Render.RemotionURL,
		Timeout: cfg.Render.Timeout,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setupRepository(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, fallback bool) (repository.JobRepository, error) {
	var (
		repo repository.JobRepository
		err  error
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Infow("using in-memory job repository")
		return repository.NewMemoryJobRepository(), nil
	case "postgres":
		repo, err = repository.NewPostgresJobRepository(ctx, cfg.Database.URL)
	default:
		repo, err = repository.NewSQLiteJobRepository(ctx, cfg.Database.SQLitePath)
	}
	if err != nil {
		if !fallback {
			return nil, fmt.Errorf("open %s repository: %w", cfg.Database.Driver, err)
		}
		logger.Warnw("job repository unavailable, falling back to memory", "driver", cfg.Database.Driver, "error", err)
		return repository.NewMemoryJobRepository(), nil
	}
	logger.Infow("job repository initialized", "driver", cfg.Database.Driver)
	return repo, nil
}

// newPool builds the pipeline runner with every external collaborator and the
// worker pool that feeds it.
func (a *app) newPool() *worker.Pool {
	cfg := a.cfg

	geminiGate := limiter.NewGate("gemini", cfg.Gemini.MaxConcurrent, cfg.Gemini.RequestsPerMinute)
	ttsGate := limiter.NewGate("tts", cfg.TTS.MaxConcurrent, 0)

	geminiClient := gemini.NewClient(gemini.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		BaseURL: cfg.Gemini.BaseURL,
		Timeout: cfg.Gemini.Timeout,
		Gate:    geminiGate,
	})
	if !geminiClient.Available() {
		a.logger.Warnw("gemini api key not configured; generate and images stages will fail")
	}
	ttsClient := tts.NewGoogleClient(tts.GoogleConfig{
		APIKey:       cfg.TTS.APIKey,
		BaseURL:      cfg.TTS.BaseURL,
		LanguageCode: cfg.TTS.LanguageCode,
		Voice:        cfg.TTS.Voice,
		Gender:       cfg.TTS.Gender,
		SpeakingRate: cfg.TTS.SpeakingRate,
		Timeout:      cfg.TTS.Timeout,
		Gate:         ttsGate,
	})
	if !ttsClient.Available() {
		a.logger.Warnw("tts api key not configured; tts stage will fail")
	}

	collaborators := pipeline.Collaborators{
		Jobs:      a.repo,
		Store:     a.store,
		Extractor: extract.NewPDFExtractor(a.store.Fs(), cfg.Extract.MinWords, cfg.Extract.MaxWords, a.logger),
		Content: gemini.NewContentGenerator(geminiClient, gemini.ContentConfig{
			Model:          cfg.Gemini.ContentModel,
			MaxRetries:     cfg.Gemini.MaxRetries,
			RetryBaseDelay: cfg.Gemini.RetryBaseDelay(),
		}, a.logger),
		Validator: timeline.NewValidator(),
		Images: gemini.NewImageGenerator(geminiClient, a.store, gemini.ImageConfig{
			Model:          cfg.Gemini.ImageModel,
			Fanout:         cfg.Worker.Fanout,
			MaxRetries:     cfg.Gemini.MaxRetries,
			RetryBaseDelay: cfg.Gemini.RetryBaseDelay(),
		}, a.logger),
		TTS: tts.NewGenerator(ttsClient, a.store, tts.GeneratorConfig{
			Fanout:         cfg.Worker.Fanout,
			MaxRetries:     cfg.TTS.MaxRetries,
			RetryBaseDelay: cfg.TTS.RetryBaseDelay(),
		}, a.logger),
		Renderer: render.NewRenderer(a.remotion, a.store, render.Settings{
			FPS:              cfg.Render.FPS,
			Width:            cfg.Render.Width,
			Height:           cfg.Render.Height,
			TransitionBuffer: cfg.Render.TransitionBuffer,
		}, a.logger),
	}

	apprise := notify.AppriseConfig{BaseURL: cfg.Notify.AppriseURL, Key: cfg.Notify.Key, Tag: cfg.Notify.Tag}
	if apprise.Enabled() {
		collaborators.Notifier = notify.NewJobNotifier(notify.NewAppriseClient(apprise), a.logger)
		a.logger.Infow("apprise notifications enabled", "url", apprise.BaseURL)
	}

	runner := pipeline.NewRunner(collaborators, a.logger)
	return worker.NewPool(a.queue, runner, worker.Config{PollTimeout: cfg.Worker.PollTimeout}, a.logger)
}
