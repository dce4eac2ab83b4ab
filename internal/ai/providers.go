package ai

import (
	"fmt"
	"log/slog"
)

// Providers bundles the model-backed collaborators of the pipeline and the
// search engine.
type Providers struct {
	Transcriber  Transcriber
	TextEncoder  TextEncoder
	ImageEncoder ImageEncoder
}

func NewProviders(config *Config, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Providers{}

	switch config.ASR {
	case "whisper":
		if config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("ASR=whisper requires OPENAI_API_KEY")
		}
		p.Transcriber = NewWhisperTranscriber(config.OpenAIAPIKey, config.OpenAIBaseURL, config.TranscriptionModel)
		logger.Info("transcription enabled", "provider", "whisper", "model", config.TranscriptionModel)
	case "mock":
		p.Transcriber = MockTranscriber{}
		logger.Warn("transcription uses placeholder segments", "provider", "mock")
	case "none", "":
		p.Transcriber = SilentTranscriber{}
		logger.Warn("transcription disabled, every video is treated as silent")
	default:
		return nil, fmt.Errorf("unknown ASR provider: %s", config.ASR)
	}

	switch config.TextEncoder {
	case "openai":
		if config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("TEXT_ENCODER=openai requires OPENAI_API_KEY")
		}
		p.TextEncoder = NewOpenAIEncoder(config.OpenAIAPIKey, config.OpenAIBaseURL, config.EmbeddingModel, config.TextDim)
		logger.Info("text encoder enabled", "provider", "openai", "model", config.EmbeddingModel, "dim", config.TextDim)
	case "local", "":
		p.TextEncoder = NewLocalEncoder(config.TextDim)
		logger.Warn("text encoder uses local feature hashing", "dim", p.TextEncoder.Dimension())
	default:
		return nil, fmt.Errorf("unknown text encoder: %s", config.TextEncoder)
	}

	switch config.ImageEncoder {
	case "clip":
		if config.CLIPURL == "" {
			return nil, fmt.Errorf("IMAGE_ENCODER=clip requires CLIP_URL")
		}
		p.ImageEncoder = NewCLIPClient(config.CLIPURL, config.ImageDim)
		logger.Info("image encoder enabled", "provider", "clip", "url", config.CLIPURL, "dim", config.ImageDim)
	case "local", "":
		p.ImageEncoder = NewLocalEncoder(config.ImageDim)
		logger.Warn("image encoder uses local color histograms", "dim", p.ImageEncoder.Dimension())
	default:
		return nil, fmt.Errorf("unknown image encoder: %s", config.ImageEncoder)
	}

	return p, nil
}
