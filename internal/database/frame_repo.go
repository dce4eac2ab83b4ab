package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kdimtricp/vsearch/internal/models"
)

type FrameRepository struct {
	db *DB
}

func NewFrameRepository(db *DB) *FrameRepository {
	return &FrameRepository{db: db}
}

func (r *FrameRepository) ReplaceForVideo(ctx context.Context, videoID string, frames []models.FrameSample) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM frame_samples WHERE video_id = ?`), videoID); err != nil {
			return fmt.Errorf("failed to clear frame samples: %w", err)
		}

		var query string
		if r.db.dbType == "postgres" {
			query = `
				INSERT INTO frame_samples (id, video_id, seq, timestamp, path)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					seq = EXCLUDED.seq,
					timestamp = EXCLUDED.timestamp,
					path = EXCLUDED.path`
		} else {
			query = `INSERT OR REPLACE INTO frame_samples (id, video_id, seq, timestamp, path) VALUES (?, ?, ?, ?, ?)`
		}

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare frame insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range frames {
			if _, err := stmt.ExecContext(ctx, f.ID, videoID, f.Seq, f.Timestamp, f.Path); err != nil {
				return fmt.Errorf("failed to insert frame %d: %w", f.Seq, err)
			}
		}
		return nil
	})
}

func (r *FrameRepository) ListByVideo(ctx context.Context, videoID string) ([]models.FrameSample, error) {
	query := r.db.rebind(`
		SELECT id, video_id, seq, timestamp, path
		FROM frame_samples
		WHERE video_id = ?
		ORDER BY seq`)

	rows, err := r.db.conn.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame samples: %w", err)
	}
	defer rows.Close()

	frames := []models.FrameSample{}
	for rows.Next() {
		var f models.FrameSample
		if err := rows.Scan(&f.ID, &f.VideoID, &f.Seq, &f.Timestamp, &f.Path); err != nil {
			return nil, fmt.Errorf("failed to scan frame sample: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func (r *FrameRepository) GetFramesByIDs(ctx context.Context, ids []string) (map[string]*models.FrameSample, error) {
	out := make(map[string]*models.FrameSample, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := r.db.rebind(`SELECT id, video_id, seq, timestamp, path FROM frame_samples WHERE id IN (` + placeholders(len(ids)) + `)`)
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f := &models.FrameSample{}
		if err := rows.Scan(&f.ID, &f.VideoID, &f.Seq, &f.Timestamp, &f.Path); err != nil {
			return nil, fmt.Errorf("failed to scan frame sample: %w", err)
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

func (r *FrameRepository) DeleteByVideoID(ctx context.Context, videoID string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM frame_samples WHERE video_id = ?`), videoID)
	if err != nil {
		return fmt.Errorf("failed to delete frame samples: %w", err)
	}
	return nil
}
