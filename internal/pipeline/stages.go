package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/media"
	"github.com/kdimtricp/vsearch/internal/models"
)

const (
	StageExtractAudio = "extract_audio"
	StageTranscribe   = "transcribe"
	StageEmbedText    = "embed_text"
	StageSampleFrames = "sample_frames"
	StageEmbedImages  = "embed_images"
)

// Stages lists the checkpointed stages in execution order.
var Stages = []string{
	StageExtractAudio,
	StageTranscribe,
	StageEmbedText,
	StageSampleFrames,
	StageEmbedImages,
}

const (
	audioFile  = "audio.wav"
	coverFile  = "cover.jpg"
	framesDir  = "frames"
	imageBatch = 16
)

// Media is the ffmpeg surface the pipeline needs.
type Media interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	ExtractAudio(ctx context.Context, src, dst string) error
	ExtractCover(ctx context.Context, src, dst string, at float64, size int) error
	SampleFrames(ctx context.Context, src, dir string, interval float64, size int) ([]media.Frame, error)
}

// job carries what one run knows about its video. Every stage can rebuild
// its inputs from the database and the media store, so a resumed run
// starts with only the video record.
type job struct {
	video     *models.Video
	src       string
	dir       string
	subtitles []models.Subtitle
	frames    []models.FrameSample
}

func (j *job) audioPath() string {
	return filepath.Join(j.dir, audioFile)
}

func (r *Runner) newJob(video *models.Video) (*job, error) {
	src, err := r.storage.LocalPath(video.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedMedia, err)
	}
	dir, err := r.storage.ArtifactDir(video.ID)
	if err != nil {
		return nil, err
	}
	return &job{video: video, src: src, dir: dir}, nil
}

func (r *Runner) stage(name string) func(context.Context, *job) error {
	switch name {
	case StageExtractAudio:
		return r.extractAudio
	case StageTranscribe:
		return r.transcribe
	case StageEmbedText:
		return r.embedText
	case StageSampleFrames:
		return r.sampleFrames
	case StageEmbedImages:
		return r.embedImages
	}
	return nil
}

// remaining returns the stages after the checkpoint.
func remaining(checkpoint string) []string {
	for i, s := range Stages {
		if s == checkpoint {
			return Stages[i+1:]
		}
	}
	return Stages
}

func (r *Runner) extractAudio(ctx context.Context, j *job) error {
	unsupported := func(err error) error {
		if ctx.Err() != nil || errors.Is(err, models.ErrUnsupportedMedia) {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrUnsupportedMedia, err)
	}

	info, err := r.media.Probe(ctx, j.src)
	if err != nil {
		return unsupported(err)
	}

	coverPath := ""
	cover := filepath.Join(j.dir, coverFile)
	if err := r.media.ExtractCover(ctx, j.src, cover, min(1, info.Duration/2), r.config.FrameSize); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("cover extraction failed", "video_id", j.video.ID, "error", err)
	} else if rel, err := r.storage.Rel(cover); err == nil {
		coverPath = rel
	}

	if err := r.videos.SetMediaInfo(ctx, j.video.ID, info.Duration, coverPath); err != nil {
		return err
	}
	j.video.Duration = info.Duration
	j.video.CoverPath = coverPath

	audio := j.audioPath()
	if !info.HasAudio {
		os.Remove(audio)
		r.logger.Info("video has no audio stream", "video_id", j.video.ID)
		return nil
	}
	if err := r.media.ExtractAudio(ctx, j.src, audio); err != nil {
		return unsupported(err)
	}
	return nil
}

func (r *Runner) transcribe(ctx context.Context, j *job) error {
	var subs []models.Subtitle

	if _, err := os.Stat(j.audioPath()); err == nil {
		var raw []ai.Segment
		err := r.retry(ctx, j, StageTranscribe, func(ctx context.Context) error {
			segs, err := r.providers.Transcriber.Transcribe(ctx, j.audioPath())
			raw = segs
			return err
		})
		if err != nil {
			return err
		}
		subs = toSubtitles(j.video.ID, normalizeSegments(raw, j.video.Duration))
	}

	if err := r.subtitles.ReplaceForVideo(ctx, j.video.ID, subs); err != nil {
		return err
	}
	j.subtitles = subs
	r.logger.Info("transcribed", "video_id", j.video.ID, "subtitles", len(subs))
	return nil
}

func (r *Runner) embedText(ctx context.Context, j *job) error {
	subs := j.subtitles
	if subs == nil {
		var err error
		if subs, err = r.subtitles.ListByVideo(ctx, j.video.ID); err != nil {
			return err
		}
	}

	if err := r.index.Remove(ctx, j.video.ID, models.ModalityText); err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	texts := make([]string, len(subs))
	for i, s := range subs {
		texts[i] = s.Text
	}

	var vectors [][]float32
	err := r.retry(ctx, j, StageEmbedText, func(ctx context.Context) error {
		v, err := r.providers.TextEncoder.EmbedTexts(ctx, texts)
		vectors = v
		return err
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(subs) {
		return fmt.Errorf("text encoder returned %d vectors for %d subtitles", len(vectors), len(subs))
	}

	recs := make([]models.EmbeddingRecord, len(subs))
	for i, s := range subs {
		recs[i] = models.EmbeddingRecord{
			OwnerRef: s.ID,
			VideoID:  j.video.ID,
			Modality: models.ModalityText,
			Vector:   vectors[i],
		}
	}
	return r.index.Upsert(ctx, recs...)
}

func (r *Runner) sampleFrames(ctx context.Context, j *job) error {
	sampled, err := r.media.SampleFrames(ctx, j.src, filepath.Join(j.dir, framesDir), r.config.FrameInterval, r.config.FrameSize)
	if err != nil {
		return err
	}

	frames := make([]models.FrameSample, 0, len(sampled))
	for i, f := range sampled {
		rel, err := r.storage.Rel(f.Path)
		if err != nil {
			return fmt.Errorf("frame %s outside media store: %w", f.Path, err)
		}
		frames = append(frames, models.FrameSample{
			ID:        models.OwnerID(j.video.ID, "frame", i),
			VideoID:   j.video.ID,
			Seq:       i,
			Timestamp: f.Timestamp,
			Path:      rel,
		})
	}

	if err := r.frames.ReplaceForVideo(ctx, j.video.ID, frames); err != nil {
		return err
	}
	j.frames = frames
	r.logger.Info("sampled frames", "video_id", j.video.ID, "frames", len(frames))
	return nil
}

func (r *Runner) embedImages(ctx context.Context, j *job) error {
	frames := j.frames
	if frames == nil {
		var err error
		if frames, err = r.frames.ListByVideo(ctx, j.video.ID); err != nil {
			return err
		}
	}

	if err := r.index.Remove(ctx, j.video.ID, models.ModalityImage); err != nil {
		return err
	}

	for start := 0; start < len(frames); start += imageBatch {
		batch := frames[start:min(start+imageBatch, len(frames))]

		images := make([][]byte, len(batch))
		for i, f := range batch {
			data, err := r.readFile(f.Path)
			if err != nil {
				return err
			}
			images[i] = data
		}

		var vectors [][]float32
		err := r.retry(ctx, j, StageEmbedImages, func(ctx context.Context) error {
			v, err := r.providers.ImageEncoder.EmbedImages(ctx, images)
			vectors = v
			return err
		})
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("image encoder returned %d vectors for %d frames", len(vectors), len(batch))
		}

		recs := make([]models.EmbeddingRecord, len(batch))
		for i, f := range batch {
			recs[i] = models.EmbeddingRecord{
				OwnerRef: f.ID,
				VideoID:  j.video.ID,
				Modality: models.ModalityImage,
				Vector:   vectors[i],
			}
		}
		if err := r.index.Upsert(ctx, recs...); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) readFile(path string) ([]byte, error) {
	f, err := r.storage.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// retry runs a provider call under the retry policy, logging each retry.
func (r *Runner) retry(ctx context.Context, j *job, stage string, call func(ctx context.Context) error) error {
	retrier := *r.retrier
	retrier.OnRetry = func(attempt int, delay time.Duration, err error) {
		r.logger.Warn("retrying provider call",
			"video_id", j.video.ID, "stage", stage, "attempt", attempt, "delay", delay, "error", err)
	}
	return retrier.Run(ctx, call)
}
