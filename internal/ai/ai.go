package ai

import (
	"context"
)

// Segment is one time-aligned piece of transcript.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]Segment, error)
}

// TextEncoder maps text into the subtitle vector space.
type TextEncoder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ImageEncoder maps frames into the image vector space. EmbedQuery embeds
// text into that same space, which is what makes text-to-image search
// possible; the two towers must be trained jointly.
type ImageEncoder interface {
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type Config struct {
	ASR                string
	TextEncoder        string
	ImageEncoder       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	TranscriptionModel string
	EmbeddingModel     string
	TextDim            int
	ImageDim           int
	CLIPURL            string
}

func NewConfig() *Config {
	return &Config{
		ASR:                "whisper",
		TextEncoder:        "openai",
		ImageEncoder:       "clip",
		TranscriptionModel: "whisper-1",
		EmbeddingModel:     "text-embedding-3-small",
		TextDim:            1536,
		ImageDim:           512,
	}
}
