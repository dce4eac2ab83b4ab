package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/api"
	"github.com/kdimtricp/vsearch/internal/config"
	"github.com/kdimtricp/vsearch/internal/database"
	"github.com/kdimtricp/vsearch/internal/events"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/media"
	"github.com/kdimtricp/vsearch/internal/pipeline"
	"github.com/kdimtricp/vsearch/internal/search"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localStorage, err := storage.NewLocalStorage(cfg.UploadDir)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("running database migrations", "path", cfg.MigrationsPath)
	if err := db.RunMigrations(ctx, cfg.MigrationsPath); err != nil {
		return err
	}

	ffmpeg, err := media.NewFFmpeg(logger)
	if err != nil {
		return err
	}

	providers, err := ai.NewProviders(cfg.AI, logger)
	if err != nil {
		return err
	}

	embeddings := database.NewEmbeddingRepository(db)
	idx, err := index.Open(ctx, cfg.IndexOptions(config.Dimensions(providers), embeddings), logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	videos := database.NewVideoRepository(db)
	subtitles := database.NewSubtitleRepository(db)
	frames := database.NewFrameRepository(db)

	broker := events.NewBroker()
	machine := tasks.NewMachine(videos, func(e events.Event) {
		logger.Debug("video status changed", "video_id", e.VideoID, "status", e.Status, "stage", e.Stage)
		broker.Publish(e)
	})

	runner := pipeline.NewRunner(pipeline.Deps{
		Machine:   machine,
		Videos:    videos,
		Subtitles: subtitles,
		Frames:    frames,
		Index:     idx,
		Storage:   localStorage,
		Media:     ffmpeg,
		Providers: providers,
	}, cfg.Pipeline, logger)
	service := pipeline.NewService(runner, queue, logger)

	recovered, err := service.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Info("re-enqueued unfinished videos", "count", recovered)
	}

	pool := pipeline.NewPool(queue, runner, cfg.Workers, logger)
	pool.Start(ctx)
	go service.Watch(ctx, cfg.Pipeline.LeaseTTL)

	app := &api.App{
		Machine:       machine,
		Service:       service,
		Engine:        search.NewEngine(videos, subtitles, frames, idx, providers.TextEncoder, providers.ImageEncoder, cfg.SearchConfig(), logger),
		Broker:        broker,
		Storage:       localStorage,
		Subtitles:     subtitles,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Port,
			"upload_dir", cfg.UploadDir,
			"db_type", cfg.Database.Type,
			"vector_index", cfg.VectorIndex,
			"queue", cfg.Queue,
			"workers", cfg.Workers,
			"max_upload_size", cfg.MaxUploadSize)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			pool.Wait()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// running videos stay PROCESSING and resume on the next start
	pool.Wait()
	return nil
}

func openQueue(ctx context.Context, cfg *config.Config) (pipeline.Queue, error) {
	if cfg.Queue == config.QueueRedis {
		q, err := pipeline.NewRedisQueue(ctx, cfg.RedisAddr, cfg.RedisQueue)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return pipeline.NewMemoryQueue(), nil
}
