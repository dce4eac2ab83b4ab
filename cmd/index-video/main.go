package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/config"
	"github.com/kdimtricp/vsearch/internal/database"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/media"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/pipeline"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

// index-video runs the pipeline for one stored video in the foreground.
func main() {
	var (
		videoID   = flag.String("id", "", "Video ID to index")
		reprocess = flag.Bool("reprocess", false, "Reset a COMPLETED or FAILED video and index it again")
	)
	flag.Parse()

	if *videoID == "" {
		fmt.Fprintln(os.Stderr, "Please provide video ID with -id flag")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)

	if err := run(cfg, logger, *videoID, *reprocess); err != nil {
		logger.Error("indexing failed", "video_id", *videoID, "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, id string, reprocess bool) error {
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
	idx, err := index.Open(ctx, cfg.IndexOptions(config.Dimensions(providers), database.NewEmbeddingRepository(db)), logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	videos := database.NewVideoRepository(db)
	subtitles := database.NewSubtitleRepository(db)
	frames := database.NewFrameRepository(db)
	machine := tasks.NewMachine(videos, nil)

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

	if reprocess {
		queue := pipeline.NewMemoryQueue()
		defer queue.Close()
		if _, err := pipeline.NewService(runner, queue, logger).Reprocess(ctx, id); err != nil {
			return err
		}
	}

	video, err := machine.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Indexing video: %s (%s)\n", video.Filename, video.Status)

	runErr := runner.Run(ctx, id)
	if runErr != nil && ctx.Err() != nil {
		fmt.Println("Interrupted; the video stays PROCESSING and resumes on the next run.")
		return runErr
	}

	video, err = machine.Get(ctx, id)
	if err != nil {
		return err
	}
	subs, err := subtitles.ListByVideo(ctx, id)
	if err != nil {
		return err
	}
	samples, err := frames.ListByVideo(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", video.Status)
	if video.FailureReason != "" {
		fmt.Printf("Reason: %s\n", video.FailureReason)
	}
	fmt.Printf("Duration: %.1fs, subtitles: %d, frames: %d\n", video.Duration, len(subs), len(samples))

	if runErr != nil && !errors.Is(runErr, models.ErrCancelled) {
		return runErr
	}
	return nil
}
