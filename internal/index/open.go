package index

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	KindMemory   = "memory"
	KindPgVector = "pgvector"
	KindMilvus   = "milvus"
)

type Options struct {
	Kind        string
	Dims        Dimensions
	PgVectorURL string
	Milvus      MilvusConfig
	// Store backs the memory index when set; vectors then survive restarts.
	Store Store
}

// Open builds the index named by opts.Kind.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Kind {
	case "", KindMemory:
		if opts.Store == nil {
			logger.Warn("vector index is not persisted", "kind", KindMemory)
			return NewMemory(opts.Dims), nil
		}
		idx, err := OpenPersistent(ctx, opts.Store, opts.Dims)
		if err != nil {
			return nil, err
		}
		for modality := range opts.Dims {
			logger.Info("loaded vectors", "modality", modality, "count", idx.Len(modality))
		}
		return idx, nil

	case KindPgVector:
		if opts.PgVectorURL == "" {
			return nil, fmt.Errorf("pgvector index requires a database url")
		}
		idx, err := NewPgVector(ctx, opts.PgVectorURL, opts.Dims)
		if err != nil {
			return nil, err
		}
		logger.Info("using pgvector index")
		return idx, nil

	case KindMilvus:
		if opts.Milvus.Address == "" {
			return nil, fmt.Errorf("milvus index requires an address")
		}
		idx, err := NewMilvus(ctx, opts.Milvus, opts.Dims)
		if err != nil {
			return nil, err
		}
		logger.Info("using milvus index", "address", opts.Milvus.Address)
		return idx, nil
	}

	return nil, fmt.Errorf("unknown vector index %q", opts.Kind)
}
