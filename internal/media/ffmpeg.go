package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kdimtricp/vsearch/internal/models"
)

// Info is what ffprobe reports about a media file.
type Info struct {
	Duration float64
	HasAudio bool
	HasVideo bool
}

// Frame is one sampled still written to disk.
type Frame struct {
	Path      string
	Timestamp float64
}

type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewFFmpeg(logger *slog.Logger) (*FFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("media tools located", "ffmpeg", ffmpegPath, "ffprobe", ffprobePath)

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      logger,
	}, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// parseProbe turns ffprobe's JSON into Info. A file without a decodable
// video stream is reported as unsupported.
func parseProbe(raw []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Info{}, fmt.Errorf("%w: unreadable probe output: %v", models.ErrUnsupportedMedia, err)
	}

	var info Info
	for _, s := range out.Streams {
		switch s.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			info.HasVideo = true
		}
	}
	if !info.HasVideo {
		return Info{}, fmt.Errorf("%w: no video stream", models.ErrUnsupportedMedia)
	}

	if d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil {
		info.Duration = d
	}
	if info.Duration <= 0 {
		for _, s := range out.Streams {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > info.Duration {
				info.Duration = d
			}
		}
	}
	if info.Duration <= 0 {
		return Info{}, fmt.Errorf("%w: unknown duration", models.ErrUnsupportedMedia)
	}
	return info, nil
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, fmt.Errorf("video file not accessible: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,duration",
		"-of", "json",
		path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Info{}, ctx.Err()
		}
		f.logger.Debug("ffprobe failed", "path", path, "stderr", stderr.String())
		return Info{}, fmt.Errorf("%w: %v", models.ErrUnsupportedMedia, err)
	}
	return parseProbe(stdout.Bytes())
}

// ExtractAudio writes the audio track as 16 kHz mono PCM wav.
func (f *FFmpeg) ExtractAudio(ctx context.Context, src, dst string) error {
	return f.run(ctx, "extract audio",
		"-y",
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		dst)
}

// ExtractCover grabs a single scaled frame at the given offset.
func (f *FFmpeg) ExtractCover(ctx context.Context, src, dst string, at float64, size int) error {
	return f.run(ctx, "extract cover",
		"-y",
		"-ss", fmt.Sprintf("%.2f", at),
		"-i", src,
		"-vframes", "1",
		"-vf", scaleFilter(size),
		"-q:v", "2",
		dst)
}

// SampleFrames writes one frame every interval seconds into dir as
// frame_00001.jpg, frame_00002.jpg, ... Frame n sits at (n-1)*interval.
func (f *FFmpeg) SampleFrames(ctx context.Context, src, dir string, interval float64, size int) ([]Frame, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid frame interval: %f", interval)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	// stale frames from an interrupted run would be picked up by the glob
	old, _ := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	for _, p := range old {
		os.Remove(p)
	}

	err := f.run(ctx, "sample frames",
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("fps=1/%s,%s", strconv.FormatFloat(interval, 'f', -1, 64), scaleFilter(size)),
		"-q:v", "2",
		filepath.Join(dir, "frame_%05d.jpg"))
	if err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	sort.Strings(paths)

	frames := make([]Frame, 0, len(paths))
	for i, p := range paths {
		frames = append(frames, Frame{Path: p, Timestamp: float64(i) * interval})
	}
	f.logger.Debug("sampled frames", "src", src, "count", len(frames))
	return frames, nil
}

func (f *FFmpeg) run(ctx context.Context, what string, args ...string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Debug("ffmpeg failed", "op", what, "stderr", stderr.String())
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

func scaleFilter(size int) string {
	if size <= 0 {
		return "scale=iw:ih"
	}
	return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", size, size)
}
