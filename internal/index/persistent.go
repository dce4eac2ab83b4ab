package index

import (
	"context"
	"fmt"

	"github.com/kdimtricp/vsearch/internal/models"
)

// Store is the durable side of a Persistent index.
type Store interface {
	Upsert(ctx context.Context, recs []models.EmbeddingRecord) error
	Each(ctx context.Context, fn func(models.EmbeddingRecord) error) error
	DeleteByVideoID(ctx context.Context, videoID string, modalities ...models.Modality) error
}

// Persistent serves queries from memory and writes every change through
// to a Store, from which it is rebuilt on open.
type Persistent struct {
	*Memory
	store Store
}

func OpenPersistent(ctx context.Context, store Store, dims Dimensions) (*Persistent, error) {
	mem := NewMemory(dims)
	err := store.Each(ctx, func(rec models.EmbeddingRecord) error {
		return mem.Upsert(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	return &Persistent{Memory: mem, store: store}, nil
}

func (p *Persistent) Upsert(ctx context.Context, recs ...models.EmbeddingRecord) error {
	if err := p.dims.checkAll(recs); err != nil {
		return err
	}
	if err := p.store.Upsert(ctx, recs); err != nil {
		return err
	}
	return p.Memory.Upsert(ctx, recs...)
}

func (p *Persistent) Remove(ctx context.Context, videoID string, modalities ...models.Modality) error {
	if err := p.store.DeleteByVideoID(ctx, videoID, modalities...); err != nil {
		return err
	}
	return p.Memory.Remove(ctx, videoID, modalities...)
}
