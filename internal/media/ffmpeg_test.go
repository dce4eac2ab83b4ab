package media

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kdimtricp/vsearch/internal/models"
)

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		want        Info
		unsupported bool
	}{
		{
			name: "video with audio",
			raw:  `{"streams":[{"codec_type":"video"},{"codec_type":"audio"}],"format":{"duration":"12.5"}}`,
			want: Info{Duration: 12.5, HasAudio: true, HasVideo: true},
		},
		{
			name: "silent video",
			raw:  `{"streams":[{"codec_type":"video"}],"format":{"duration":"3.000000"}}`,
			want: Info{Duration: 3, HasVideo: true},
		},
		{
			name: "duration from stream",
			raw:  `{"streams":[{"codec_type":"video","duration":"7.2"}],"format":{}}`,
			want: Info{Duration: 7.2, HasVideo: true},
		},
		{
			name:        "audio only",
			raw:         `{"streams":[{"codec_type":"audio"}],"format":{"duration":"10"}}`,
			unsupported: true,
		},
		{
			name:        "garbage",
			raw:         `not json`,
			unsupported: true,
		},
		{
			name:        "zero duration",
			raw:         `{"streams":[{"codec_type":"video"}],"format":{"duration":"0"}}`,
			unsupported: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.raw))
			if tt.unsupported {
				if !errors.Is(err, models.ErrUnsupportedMedia) {
					t.Fatalf("expected ErrUnsupportedMedia, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestScaleFilter(t *testing.T) {
	if got := scaleFilter(0); got != "scale=iw:ih" {
		t.Errorf("expected passthrough scale, got %q", got)
	}
	if got := scaleFilter(224); got != "scale='min(224,iw)':'min(224,ih)':force_original_aspect_ratio=decrease" {
		t.Errorf("unexpected filter %q", got)
	}
}

func TestFFmpeg_CorruptFile(t *testing.T) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	f, err := NewFFmpeg(nil)
	if err != nil {
		t.Fatalf("failed to create ffmpeg: %v", err)
	}

	path := filepath.Join(t.TempDir(), "corrupt.mp4")
	if err := os.WriteFile(path, []byte("definitely not a video"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err = f.Probe(context.Background(), path)
	if !errors.Is(err, models.ErrUnsupportedMedia) {
		t.Errorf("expected ErrUnsupportedMedia, got %v", err)
	}
}
