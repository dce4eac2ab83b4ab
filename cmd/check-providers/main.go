package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/config"
	"github.com/kdimtricp/vsearch/internal/database"
	"github.com/kdimtricp/vsearch/internal/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)

	fmt.Println("🔍 Checking model providers")
	fmt.Println("===========================")

	if err := cfg.Validate(); err != nil {
		fmt.Printf("⚠️  %v\n\n", err)
	}

	fmt.Printf("ASR:           %s\n", cfg.AI.ASR)
	fmt.Printf("Text encoder:  %s (dim %d)\n", cfg.AI.TextEncoder, cfg.AI.TextDim)
	fmt.Printf("Image encoder: %s (dim %d)\n", cfg.AI.ImageEncoder, cfg.AI.ImageDim)
	fmt.Printf("Vector index:  %s\n\n", cfg.VectorIndex)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	providers, err := ai.NewProviders(cfg.AI, logger)
	if err != nil {
		fmt.Printf("❌ Providers unavailable: %v\n", err)
		os.Exit(1)
	}

	ok := probe("Text encoder", func() ([]float32, error) {
		v, err := providers.TextEncoder.EmbedTexts(ctx, []string{"a person walking a dog"})
		if err != nil {
			return nil, err
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("expected 1 vector, got %d", len(v))
		}
		return v[0], nil
	}, providers.TextEncoder.Dimension())
	ok = probe("Image encoder (text tower)", func() ([]float32, error) {
		return providers.ImageEncoder.EmbedQuery(ctx, "a person walking a dog")
	}, providers.ImageEncoder.Dimension()) && ok
	fmt.Println()

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		fmt.Printf("❌ Database unavailable: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	videos := database.NewVideoRepository(db)
	counts, err := videos.CountByStatus(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to count videos: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("📹 Videos:")
	for _, s := range []models.VideoStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		fmt.Printf("   %-10s %d\n", s, counts[s])
	}

	failed, err := videos.ListByStatus(ctx, models.StatusFailed)
	if err == nil && len(failed) > 0 {
		fmt.Println("\n📊 Recent failures:")
		for i := len(failed) - 1; i >= 0 && i >= len(failed)-5; i-- {
			fmt.Printf("   %s  %s: %s\n", failed[i].ID, failed[i].Filename, failed[i].FailureReason)
		}
	}

	if !ok {
		os.Exit(1)
	}
	fmt.Println("\n✅ Providers are working!")
}

func probe(name string, embed func() ([]float32, error), want int) bool {
	started := time.Now()
	v, err := embed()
	if err != nil {
		fmt.Printf("❌ %s: %v\n", name, err)
		return false
	}
	if len(v) != want {
		fmt.Printf("❌ %s: got %d dimensions, configured %d\n", name, len(v), want)
		return false
	}
	fmt.Printf("✅ %s: %d dimensions in %s\n", name, len(v), time.Since(started).Round(time.Millisecond))
	return true
}
