package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kdimtricp/vsearch/internal/models"
)

// EmbeddingRepository persists vectors for the in-process index so it can be
// rebuilt after a restart in insertion order.
type EmbeddingRepository struct {
	db *DB
}

func NewEmbeddingRepository(db *DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

func (r *EmbeddingRepository) Upsert(ctx context.Context, recs []models.EmbeddingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, r.db.rebind(`
			INSERT INTO embeddings (owner_ref, video_id, modality, vector)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (modality, owner_ref) DO UPDATE SET
				video_id = EXCLUDED.video_id,
				vector = EXCLUDED.vector`))
		if err != nil {
			return fmt.Errorf("failed to prepare embedding upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range recs {
			if _, err := stmt.ExecContext(ctx, rec.OwnerRef, rec.VideoID, string(rec.Modality), encodeVector(rec.Vector)); err != nil {
				return fmt.Errorf("failed to upsert embedding %s: %w", rec.OwnerRef, err)
			}
		}
		return nil
	})
}

// Each streams every stored embedding in insertion order.
func (r *EmbeddingRepository) Each(ctx context.Context, fn func(models.EmbeddingRecord) error) error {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT owner_ref, video_id, modality, vector FROM embeddings ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.EmbeddingRecord
		var modality string
		var raw []byte
		if err := rows.Scan(&rec.OwnerRef, &rec.VideoID, &modality, &raw); err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}
		rec.Modality = models.Modality(modality)
		rec.Vector, err = decodeVector(raw)
		if err != nil {
			return fmt.Errorf("embedding %s: %w", rec.OwnerRef, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteByVideoID removes the video's vectors, limited to the given
// modalities when any are passed.
func (r *EmbeddingRepository) DeleteByVideoID(ctx context.Context, videoID string, modalities ...models.Modality) error {
	query := `DELETE FROM embeddings WHERE video_id = ?`
	args := []any{videoID}
	if len(modalities) > 0 {
		query += ` AND modality IN (` + placeholders(len(modalities)) + `)`
		for _, m := range modalities {
			args = append(args, string(m))
		}
	}
	if _, err := r.db.conn.ExecContext(ctx, r.db.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt vector of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
