package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

// Service is the entry point for everything that changes a video from the
// outside: upload, reprocess, cancel, delete and startup recovery.
type Service struct {
	machine *tasks.Machine
	runner  *Runner
	queue   Queue
	storage storage.Storage
	videos  VideoStore
	logger  *slog.Logger
}

func NewService(runner *Runner, queue Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		machine: runner.machine,
		runner:  runner,
		queue:   queue,
		storage: runner.storage,
		videos:  runner.videos,
		logger:  logger,
	}
}

// Submit stores an upload, records it as PENDING and queues it.
func (s *Service) Submit(ctx context.Context, file io.Reader, info storage.FileInfo) (*models.Video, error) {
	path, err := s.storage.SaveFile(file, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	video, err := s.machine.Create(ctx, info.Filename, path)
	if err != nil {
		s.storage.DeleteFile(path)
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, video.ID); err != nil {
		// the record stays PENDING and is picked up by Recover
		s.logger.Error("failed to enqueue video", "video_id", video.ID, "error", err)
	}
	s.logger.Info("video uploaded", "video_id", video.ID, "filename", video.Filename, "size", info.Size)
	return video, nil
}

// Reprocess resets a finished video, drops everything earlier runs
// derived from it and queues a fresh run. The video stays claimed until
// the old artifacts are gone, so a queued copy of its id cannot start a
// run in between.
func (s *Service) Reprocess(ctx context.Context, id string) (*models.Video, error) {
	rn, err := s.runner.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	video, err := s.reset(ctx, id)
	s.runner.release(id, rn)
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.logger.Error("failed to enqueue video", "video_id", id, "error", err)
	}
	s.logger.Info("video queued for reprocessing", "video_id", id)
	return video, nil
}

func (s *Service) reset(ctx context.Context, id string) (*models.Video, error) {
	video, err := s.machine.Reprocess(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.runner.Discard(ctx, video); err != nil {
		s.logger.Error("failed to discard previous artifacts", "video_id", id, "error", err)
	}
	return video, nil
}

// Cancel stops a PROCESSING video; it ends FAILED with reason "cancelled".
func (s *Service) Cancel(ctx context.Context, id string) (*models.Video, error) {
	video, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if video.Status != models.StatusProcessing {
		return nil, fmt.Errorf("%w: video %s is %s", models.ErrIllegalTransition, id, video.Status)
	}
	if err := s.runner.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return s.machine.Get(ctx, id)
}

// Delete cancels any active run, then removes the video's vectors,
// artifacts, original file and records.
func (s *Service) Delete(ctx context.Context, id string) error {
	video, err := s.machine.Get(ctx, id)
	if err != nil {
		return err
	}

	if video.Status == models.StatusProcessing || s.runner.Active(id) {
		if err := s.runner.Cancel(ctx, id); err != nil && !errors.Is(err, models.ErrIllegalTransition) {
			return err
		}
	}

	// holding the claim keeps a queued copy of the id from starting a run
	rn, err := s.runner.claim(ctx, id)
	if err != nil {
		return err
	}
	defer s.runner.release(id, rn)

	if err := s.runner.Discard(ctx, video); err != nil {
		return err
	}
	if err := s.storage.DeleteFile(video.StoragePath); err != nil {
		return err
	}
	if err := s.machine.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("video deleted", "video_id", id)
	return nil
}

// Recover queues every video that is waiting, or that was running in a
// process whose lease has lapsed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.videos.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, err
	}
	orphaned, err := s.videos.ListOrphaned(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	return s.requeue(ctx, append(pending, orphaned...))
}

// Reclaim queues PROCESSING videos nobody holds a live lease on.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	orphaned, err := s.videos.ListOrphaned(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	return s.requeue(ctx, orphaned)
}

func (s *Service) requeue(ctx context.Context, videos []models.Video) (int, error) {
	for _, v := range videos {
		if err := s.queue.Enqueue(ctx, v.ID); err != nil {
			return 0, err
		}
		s.logger.Info("video recovered", "video_id", v.ID, "status", v.Status, "checkpoint", v.Stage)
	}
	return len(videos), nil
}

// Watch reclaims orphaned videos every interval until ctx ends.
func (s *Service) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Reclaim(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("failed to reclaim videos", "error", err)
		}
	}
}
