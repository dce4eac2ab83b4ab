package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PgVector keeps each modality in its own table with an HNSW cosine index.
type PgVector struct {
	pool *pgxpool.Pool
	dims Dimensions
}

func tableName(modality models.Modality) string {
	return string(modality) + "_embeddings"
}

func NewPgVector(ctx context.Context, dbURL string, dims Dimensions) (*PgVector, error) {
	// the extension must exist before the pool registers the vector type
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgVector{pool: pool, dims: dims}
	if err := s.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVector) ensureTables(ctx context.Context) error {
	for modality, dim := range s.dims {
		table := tableName(modality)
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL,
				owner_ref TEXT PRIMARY KEY,
				video_id TEXT NOT NULL,
				embedding vector(%d) NOT NULL
			)`, table, dim),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_video_idx ON %s (video_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_hnsw_idx ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to prepare %s: %w", table, err)
			}
		}

		// a table created with another dimension would reject every insert
		var typ string
		err := s.pool.QueryRow(ctx, `
			SELECT format_type(a.atttypid, a.atttypmod)
			FROM pg_attribute a
			WHERE a.attrelid = $1::regclass AND a.attname = 'embedding'`, table).Scan(&typ)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if want := fmt.Sprintf("vector(%d)", dim); typ != want {
			return fmt.Errorf("%w: %s.embedding is %s, configured %s", models.ErrDimensionMismatch, table, typ, want)
		}
	}
	return nil
}

func (s *PgVector) Dimension(modality models.Modality) int {
	return s.dims[modality]
}

func (s *PgVector) Upsert(ctx context.Context, recs ...models.EmbeddingRecord) error {
	if err := s.dims.checkAll(recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (owner_ref, video_id, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (owner_ref) DO UPDATE SET
				video_id = EXCLUDED.video_id,
				embedding = EXCLUDED.embedding`, tableName(rec.Modality)),
			rec.OwnerRef, rec.VideoID, pgvector.NewVector(unit(rec.Vector)))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert embeddings: %w", err)
	}
	return nil
}

func (s *PgVector) Query(ctx context.Context, modality models.Modality, vector []float32, k int, filter Filter) ([]Hit, error) {
	if err := s.dims.check(modality, vector); err != nil {
		return nil, err
	}
	if k <= 0 || (filter != nil && len(filter) == 0) {
		return []Hit{}, nil
	}

	args := []any{pgvector.NewVector(unit(vector)), k}
	where := ""
	if filter != nil {
		where = "WHERE video_id = ANY($3)"
		args = append(args, filter.IDs())
	}

	query := fmt.Sprintf(`
		SELECT owner_ref, video_id, 1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1, seq
		LIMIT $2`, tableName(modality), where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tableName(modality), err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.OwnerRef, &h.VideoID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVector) Remove(ctx context.Context, videoID string, modalities ...models.Modality) error {
	if len(modalities) == 0 {
		modalities = models.Modalities
	}
	for _, modality := range modalities {
		if _, ok := s.dims[modality]; !ok {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE video_id = $1`, tableName(modality)), videoID); err != nil {
			return fmt.Errorf("failed to remove embeddings: %w", err)
		}
	}
	return nil
}

func (s *PgVector) Close() error {
	s.pool.Close()
	return nil
}
