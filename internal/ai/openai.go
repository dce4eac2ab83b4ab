package ai

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/sashabaranov/go-openai"
)

const embeddingBatchSize = 64

func newOpenAIClient(apiKey, baseURL string, timeout time.Duration) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(cfg)
}

// WhisperTranscriber calls the audio transcription endpoint and keeps the
// per-segment timings of the verbose response.
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

func NewWhisperTranscriber(apiKey, baseURL, model string) *WhisperTranscriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client: newOpenAIClient(apiKey, baseURL, 10*time.Minute),
		model:  model,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("transcription request failed: %w", err))
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}

	// some compatible servers omit segments and only return the full text
	if len(segments) == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			segments = append(segments, Segment{Start: 0, End: resp.Duration, Text: text})
		}
	}
	return segments, nil
}

type OpenAIEncoder struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAIEncoder(apiKey, baseURL, model string, dim int) *OpenAIEncoder {
	return &OpenAIEncoder{
		client: newOpenAIClient(apiKey, baseURL, 60*time.Second),
		model:  model,
		dim:    dim,
	}
}

func (e *OpenAIEncoder) Dimension() int {
	return e.dim
}

func (e *OpenAIEncoder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embeddingBatchSize {
		end := min(start+embeddingBatchSize, len(texts))

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, classify(fmt.Errorf("embedding request failed: %w", err))
		}
		if len(resp.Data) != end-start {
			return nil, models.Transient(fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-start))
		}

		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
		for _, d := range data {
			if e.dim > 0 && len(d.Embedding) != e.dim {
				return nil, fmt.Errorf("%w: model %s returned %d, configured %d",
					models.ErrDimensionMismatch, e.model, len(d.Embedding), e.dim)
			}
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}
