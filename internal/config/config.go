package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/database"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/pipeline"
	"github.com/kdimtricp/vsearch/internal/search"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config is everything the binaries read from the environment.
type Config struct {
	Port          string
	MaxUploadSize int64
	UploadDir     string

	Database       database.Config
	MigrationsPath string

	Workers    int
	Queue      string
	RedisAddr  string
	RedisQueue string

	VectorIndex string
	PgVectorURL string
	Milvus      index.MilvusConfig

	AI *ai.Config

	Pipeline pipeline.Config

	SearchTimeout      time.Duration
	SearchDefaultLimit int

	LogLevel  string
	LogFormat string
}

// Load reads the environment, loading a .env file first when one exists.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Malformed numbers and durations are
// reported together.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	pipe := pipeline.DefaultConfig()
	aiDefaults := ai.NewConfig()

	c := &Config{
		Port:          p.str("PORT", "8080"),
		MaxUploadSize: p.integer64("MAX_UPLOAD_SIZE", 1<<30),
		UploadDir:     p.str("UPLOAD_DIR", "./uploads"),

		Database: database.Config{
			Type:       p.str("DB_TYPE", "sqlite"),
			SQLitePath: p.str("DB_PATH", "./vsearch.db"),
			Host:       p.str("DB_HOST", "localhost"),
			Port:       p.integer("DB_PORT", 5432),
			User:       p.str("DB_USER", "vsearch"),
			Password:   p.str("DB_PASSWORD", "vsearch_dev"),
			Name:       p.str("DB_NAME", "vsearch"),
		},
		MigrationsPath: p.str("MIGRATIONS_PATH", "./migrations"),

		Workers:    p.integer("WORKERS", 2),
		Queue:      p.str("QUEUE", QueueMemory),
		RedisAddr:  p.str("REDIS_ADDR", "localhost:6379"),
		RedisQueue: p.str("REDIS_QUEUE", "vsearch:videos"),

		VectorIndex: p.str("VECTOR_INDEX", index.KindMemory),
		PgVectorURL: getenv("PGVECTOR_URL"),
		Milvus: index.MilvusConfig{
			Address:          getenv("MILVUS_ADDR"),
			Username:         getenv("MILVUS_USERNAME"),
			Password:         getenv("MILVUS_PASSWORD"),
			APIKey:           getenv("MILVUS_API_KEY"),
			CollectionPrefix: p.str("MILVUS_COLLECTION_PREFIX", "vsearch"),
		},

		AI: &ai.Config{
			ASR:                p.str("ASR", aiDefaults.ASR),
			TextEncoder:        p.str("TEXT_ENCODER", aiDefaults.TextEncoder),
			ImageEncoder:       p.str("IMAGE_ENCODER", aiDefaults.ImageEncoder),
			OpenAIAPIKey:       getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:      getenv("OPENAI_BASE_URL"),
			TranscriptionModel: p.str("TRANSCRIPTION_MODEL", aiDefaults.TranscriptionModel),
			EmbeddingModel:     p.str("EMBEDDING_MODEL", aiDefaults.EmbeddingModel),
			TextDim:            p.integer("TEXT_DIM", aiDefaults.TextDim),
			ImageDim:           p.integer("IMAGE_DIM", aiDefaults.ImageDim),
			CLIPURL:            getenv("CLIP_URL"),
		},

		Pipeline: pipeline.Config{
			FrameInterval:  p.float("FRAME_INTERVAL", pipe.FrameInterval),
			FrameSize:      p.integer("FRAME_SIZE", pipe.FrameSize),
			MaxAttempts:    p.integer("MAX_ATTEMPTS", pipe.MaxAttempts),
			RetryBaseDelay: p.duration("RETRY_BASE_DELAY", pipe.RetryBaseDelay),
			LeaseTTL:       p.duration("LEASE_TTL", pipe.LeaseTTL),
		},

		SearchTimeout:      p.duration("SEARCH_TIMEOUT", search.DefaultConfig().Timeout),
		SearchDefaultLimit: p.integer("SEARCH_DEFAULT_LIMIT", search.DefaultConfig().DefaultLimit),

		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: p.str("LOG_FORMAT", "text"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the values that parse but make no sense together.
func (c *Config) Validate() error {
	var problems []string

	if c.Port == "" {
		problems = append(problems, "PORT is required")
	}
	if c.MaxUploadSize <= 0 {
		problems = append(problems, "MAX_UPLOAD_SIZE must be positive")
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		problems = append(problems, "UPLOAD_DIR is required")
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			problems = append(problems, "DB_PATH is required for sqlite")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			problems = append(problems, "DB_HOST and DB_NAME are required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown DB_TYPE %q", c.Database.Type))
	}

	if c.Workers < 1 {
		problems = append(problems, "WORKERS must be at least 1")
	}
	switch c.Queue {
	case QueueMemory:
	case QueueRedis:
		if c.RedisAddr == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis queue")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown QUEUE %q", c.Queue))
	}

	switch c.VectorIndex {
	case index.KindMemory:
	case index.KindPgVector:
		if c.PgVectorURL == "" {
			problems = append(problems, "PGVECTOR_URL is required for the pgvector index")
		}
	case index.KindMilvus:
		if c.Milvus.Address == "" {
			problems = append(problems, "MILVUS_ADDR is required for the milvus index")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown VECTOR_INDEX %q", c.VectorIndex))
	}

	needsKey := c.AI.ASR == "whisper" || c.AI.TextEncoder == "openai"
	if needsKey && c.AI.OpenAIAPIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required when ASR=whisper or TEXT_ENCODER=openai")
	}
	if c.AI.ImageEncoder == "clip" && c.AI.CLIPURL == "" {
		problems = append(problems, "CLIP_URL is required when IMAGE_ENCODER=clip")
	}
	if c.AI.TextDim <= 0 || c.AI.ImageDim <= 0 {
		problems = append(problems, "TEXT_DIM and IMAGE_DIM must be positive")
	}

	if c.Pipeline.FrameInterval <= 0 {
		problems = append(problems, "FRAME_INTERVAL must be positive")
	}
	if c.Pipeline.MaxAttempts < 1 {
		problems = append(problems, "MAX_ATTEMPTS must be at least 1")
	}
	if c.Pipeline.LeaseTTL < time.Second {
		problems = append(problems, "LEASE_TTL must be at least 1s")
	}
	if c.SearchTimeout <= 0 {
		problems = append(problems, "SEARCH_TIMEOUT must be positive")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IndexOptions(dims index.Dimensions, store index.Store) index.Options {
	return index.Options{
		Kind:        c.VectorIndex,
		Dims:        dims,
		PgVectorURL: c.PgVectorURL,
		Milvus:      c.Milvus,
		Store:       store,
	}
}

func (c *Config) SearchConfig() search.Config {
	cfg := search.DefaultConfig()
	cfg.Timeout = c.SearchTimeout
	cfg.DefaultLimit = c.SearchDefaultLimit
	return cfg
}

// Dimensions returns the vector length of each modality.
func Dimensions(p *ai.Providers) index.Dimensions {
	return index.Dimensions{
		models.ModalityText:  p.TextEncoder.Dimension(),
		models.ModalityImage: p.ImageEncoder.Dimension(),
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
	return level, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) integer64(key string, def int64) int64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}
