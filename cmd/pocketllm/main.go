package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pocketllm/internal/auth"
	"pocketllm/internal/blob"
	"pocketllm/internal/chats"
	"pocketllm/internal/config"
	"pocketllm/internal/credentials"
	"pocketllm/internal/crypto"
	"pocketllm/internal/dispatch"
	"pocketllm/internal/embeddings"
	"pocketllm/internal/httpapi"
	"pocketllm/internal/jobs"
	"pocketllm/internal/metrics"
	"pocketllm/internal/modelconfigs"
	"pocketllm/internal/providers/registry"
	"pocketllm/internal/queue"
	"pocketllm/internal/storage"
	"pocketllm/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Bool("blob_storage", cfg.Storage.Enabled()).
		Bool("image_provider", cfg.Providers.ImageRouterAPIKey != "").
		Msg("starting pocketllm")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cipher, err := crypto.NewCipher(cfg.Crypto.Secret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cipher")
	}
	log.Info().Str("key_id", cipher.KeyID()).Msg("secret cipher ready")

	m := metrics.Global()
	// per-call deadlines come from the dispatcher context
	httpClient := &http.Client{}

	blobs, err := blob.NewS3Store(ctx, cfg.Storage, httpClient, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	creds := credentials.NewService(store, cipher)
	configs := modelconfigs.NewService(store)
	dispatcher := dispatch.New(dispatch.Config{
		Credentials:  creds,
		Opener:       cipher,
		Adapters:     registry.New(cfg.Providers, httpClient),
		Metrics:      m,
		Logger:       log.Logger,
		Timeout:      cfg.Providers.Timeout,
		ImageTimeout: cfg.Providers.ImageTimeout,
		MaxRetries:   cfg.Providers.MaxRetries,
		BackoffBase:  cfg.Providers.BackoffBase,
		CatalogTTL:   cfg.Providers.CatalogTTL,
		CatalogSize:  cfg.Providers.CatalogSize,
		ImageAPIKey:  cfg.Providers.ImageRouterAPIKey,
	})

	limiter := queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	jobService := jobs.NewService(jobs.Config{
		Store:      store,
		Queue:      jobQueue,
		Limiter:    limiter,
		Images:     dispatcher,
		Blobs:      blobs,
		Metrics:    m,
		StaleAfter: cfg.Jobs.StaleAfter,
		CancelPoll: cfg.Jobs.CancelPoll,
	})

	errCh := make(chan error, 2)
	workerDone := make(chan struct{})
	var httpServer *http.Server

	runAPI := cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll
	var handler http.Handler
	if runAPI {
		verifier, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize auth verifier")
		}
		handler = httpapi.NewRouter(httpapi.Config{
			Verifier:     verifier,
			Credentials:  creds,
			Dispatcher:   dispatcher,
			ModelConfigs: configs,
			Chats: chats.NewService(chats.Config{
				Store:     store,
				Configs:   configs,
				Completer: dispatcher,
				Limiter:   limiter,
				Metrics:   m,
			}),
			Embeddings: embeddings.NewService(store, configs, dispatcher),
			Jobs:       jobService,
			Health: func(r *http.Request) error {
				if err := store.Ping(r.Context()); err != nil {
					return fmt.Errorf("storage: %w", err)
				}
				if err := rdb.Ping(r.Context()).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				return nil
			},
			HealthPath:      cfg.HTTP.HealthPath,
			MetricsPath:     cfg.HTTP.MetricsPath,
			BodyLimit:       cfg.HTTP.BodyLimit,
			IPRatePerMinute: cfg.Rate.IPPerMinute,
			Logger:          log.Logger,
			Metrics:         m,
		})
	} else {
		// worker-only processes still expose health and metrics
		handler = httpapi.NewOpsRouter(cfg.HTTP.HealthPath, cfg.HTTP.MetricsPath, log.Logger)
	}

	httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Bool("api", runAPI).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Claims:        queue.NewJobClaimer(rdb, cfg.Redis.ClaimTTL),
			Jobs:          jobService,
			MaxJobRetries: cfg.Worker.MaxRetries,
			SweepSchedule: cfg.Jobs.SweepSchedule,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	} else {
		close(workerDone)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	// in-flight jobs hand themselves back before store and redis close
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker did not stop before shutdown timeout")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
