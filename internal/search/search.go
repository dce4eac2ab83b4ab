package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/models"
)

type VideoLookup interface {
	GetVideosByIDs(ctx context.Context, ids []string) (map[string]*models.Video, error)
	IDsByStatus(ctx context.Context, status models.VideoStatus) ([]string, error)
}

type SubtitleLookup interface {
	GetSubtitlesByIDs(ctx context.Context, ids []string) (map[string]*models.Subtitle, error)
}

type FrameLookup interface {
	GetFramesByIDs(ctx context.Context, ids []string) (map[string]*models.FrameSample, error)
}

type Config struct {
	Timeout      time.Duration
	DefaultLimit int
	MaxLimit     int
	// MediaURL turns a stored path into a URL clients can fetch.
	MediaURL func(path string) string
}

func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		DefaultLimit: 20,
		MaxLimit:     100,
		MediaURL:     func(path string) string { return "/media/" + path },
	}
}

// Engine answers text and text-to-image queries. Only videos that are
// COMPLETED at query time ever appear in results.
type Engine struct {
	videos    VideoLookup
	subtitles SubtitleLookup
	frames    FrameLookup
	index     index.Index
	text      ai.TextEncoder
	image     ai.ImageEncoder
	config    Config
	logger    *slog.Logger
}

func NewEngine(videos VideoLookup, subtitles SubtitleLookup, frames FrameLookup, idx index.Index,
	text ai.TextEncoder, image ai.ImageEncoder, config Config, logger *slog.Logger) *Engine {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaults.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = defaults.MaxLimit
	}
	if config.MediaURL == nil {
		config.MediaURL = defaults.MediaURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		videos:    videos,
		subtitles: subtitles,
		frames:    frames,
		index:     idx,
		text:      text,
		image:     image,
		config:    config,
		logger:    logger,
	}
}

// Text matches the query against subtitle text.
func (e *Engine) Text(ctx context.Context, query string, limit int) (*models.SearchResult, error) {
	return e.search(ctx, query, limit, models.ModalityText, func(ctx context.Context, q string) ([]float32, error) {
		vectors, err := e.text.EmbedTexts(ctx, []string{q})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("text encoder returned %d vectors", len(vectors))
		}
		return vectors[0], nil
	})
}

// ImageByText matches the query against sampled frames, embedding it with
// the image encoder's text tower.
func (e *Engine) ImageByText(ctx context.Context, query string, limit int) (*models.SearchResult, error) {
	return e.search(ctx, query, limit, models.ModalityImage, e.image.EmbedQuery)
}

func (e *Engine) limit(k int) int {
	if k <= 0 {
		return e.config.DefaultLimit
	}
	return min(k, e.config.MaxLimit)
}

type embedFunc func(ctx context.Context, q string) ([]float32, error)

func (e *Engine) search(ctx context.Context, query string, limit int, modality models.Modality, embed embedFunc) (*models.SearchResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, fmt.Errorf("%w: query must not be empty", models.ErrInvalidQuery)
	}
	k := e.limit(limit)

	vector, err := e.embed(ctx, q, embed)
	if err != nil {
		return nil, err
	}

	completed, err := e.videos.IDsByStatus(ctx, models.StatusCompleted)
	if err != nil {
		return nil, err
	}

	hits, err := e.index.Query(ctx, modality, vector, k, index.NewFilter(completed...))
	if err != nil {
		if errors.Is(err, models.ErrDimensionMismatch) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrSearchUnavailable, err)
	}

	results, err := e.resolve(ctx, modality, hits)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("search", "modality", modality, "query", q, "hits", len(hits), "results", len(results))
	return &models.SearchResult{Query: q, Results: results}, nil
}

// embed bounds the provider call by the configured timeout even if the
// provider ignores its context.
func (e *Engine) embed(ctx context.Context, q string, embed embedFunc) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type result struct {
		vector []float32
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := embed(ectx, q)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", models.ErrSearchUnavailable, r.err)
		}
		return r.vector, nil
	case <-ectx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: query embedding timed out after %s", models.ErrSearchUnavailable, e.config.Timeout)
	}
}

// resolve drops hits whose video is no longer COMPLETED or whose owner is
// gone, and fills in what clients need to seek to the match.
func (e *Engine) resolve(ctx context.Context, modality models.Modality, hits []index.Hit) ([]models.SearchHit, error) {
	results := []models.SearchHit{}
	if len(hits) == 0 {
		return results, nil
	}

	videoIDs := make([]string, 0, len(hits))
	owners := make([]string, 0, len(hits))
	for _, h := range hits {
		videoIDs = append(videoIDs, h.VideoID)
		owners = append(owners, h.OwnerRef)
	}

	videos, err := e.videos.GetVideosByIDs(ctx, videoIDs)
	if err != nil {
		return nil, err
	}

	var subs map[string]*models.Subtitle
	var frames map[string]*models.FrameSample
	if modality == models.ModalityText {
		subs, err = e.subtitles.GetSubtitlesByIDs(ctx, owners)
	} else {
		frames, err = e.frames.GetFramesByIDs(ctx, owners)
	}
	if err != nil {
		return nil, err
	}

	for _, h := range hits {
		video, ok := videos[h.VideoID]
		if !ok || video.Status != models.StatusCompleted {
			continue
		}

		hit := models.SearchHit{
			VideoID:  h.VideoID,
			Filename: video.Filename,
			OwnerRef: h.OwnerRef,
			Score:    h.Score,
		}
		switch modality {
		case models.ModalityText:
			sub, ok := subs[h.OwnerRef]
			if !ok {
				continue
			}
			hit.Kind = models.HitSubtitle
			hit.Text = sub.Text
			hit.StartTime = sub.StartTime
			hit.EndTime = sub.EndTime
		case models.ModalityImage:
			frame, ok := frames[h.OwnerRef]
			if !ok {
				continue
			}
			hit.Kind = models.HitFrame
			hit.StartTime = frame.Timestamp
			hit.EndTime = frame.Timestamp
			hit.FrameURL = e.config.MediaURL(frame.Path)
		}
		results = append(results, hit)
	}
	return results, nil
}
