package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kdimtricp/vsearch/internal/models"
)

type SubtitleRepository struct {
	db *DB
}

func NewSubtitleRepository(db *DB) *SubtitleRepository {
	return &SubtitleRepository{db: db}
}

// ReplaceForVideo swaps the whole subtitle set of a video in one transaction.
func (r *SubtitleRepository) ReplaceForVideo(ctx context.Context, videoID string, subs []models.Subtitle) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM subtitles WHERE video_id = ?`), videoID); err != nil {
			return fmt.Errorf("failed to clear subtitles: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, r.db.rebind(
			`INSERT INTO subtitles (id, video_id, seq, start_time, end_time, text) VALUES (?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("failed to prepare subtitle insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range subs {
			if _, err := stmt.ExecContext(ctx, s.ID, videoID, s.Seq, s.StartTime, s.EndTime, s.Text); err != nil {
				return fmt.Errorf("failed to insert subtitle %d: %w", s.Seq, err)
			}
		}
		return nil
	})
}

// ListByVideo returns the subtitles of a video ordered by start time.
func (r *SubtitleRepository) ListByVideo(ctx context.Context, videoID string) ([]models.Subtitle, error) {
	query := r.db.rebind(`
		SELECT id, video_id, seq, start_time, end_time, text
		FROM subtitles
		WHERE video_id = ?
		ORDER BY start_time, seq`)

	rows, err := r.db.conn.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtitles: %w", err)
	}
	defer rows.Close()

	subs := []models.Subtitle{}
	for rows.Next() {
		var s models.Subtitle
		if err := rows.Scan(&s.ID, &s.VideoID, &s.Seq, &s.StartTime, &s.EndTime, &s.Text); err != nil {
			return nil, fmt.Errorf("failed to scan subtitle: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *SubtitleRepository) GetSubtitlesByIDs(ctx context.Context, ids []string) (map[string]*models.Subtitle, error) {
	out := make(map[string]*models.Subtitle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := r.db.rebind(`SELECT id, video_id, seq, start_time, end_time, text FROM subtitles WHERE id IN (` + placeholders(len(ids)) + `)`)
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtitles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s := &models.Subtitle{}
		if err := rows.Scan(&s.ID, &s.VideoID, &s.Seq, &s.StartTime, &s.EndTime, &s.Text); err != nil {
			return nil, fmt.Errorf("failed to scan subtitle: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func (r *SubtitleRepository) DeleteByVideoID(ctx context.Context, videoID string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM subtitles WHERE video_id = ?`), videoID)
	if err != nil {
		return fmt.Errorf("failed to delete subtitles: %w", err)
	}
	return nil
}
