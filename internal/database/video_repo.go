package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
)

type VideoRepository struct {
	db *DB
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

const videoColumns = `id, filename, storage_path, status, failure_reason, stage, duration, cover_path, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(s scanner) (*models.Video, error) {
	v := &models.Video{}
	var status string
	if err := s.Scan(&v.ID, &v.Filename, &v.StoragePath, &status, &v.FailureReason,
		&v.Stage, &v.Duration, &v.CoverPath, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.Status = models.VideoStatus(status)
	return v, nil
}

func (r *VideoRepository) InsertVideo(ctx context.Context, video *models.Video) error {
	query := r.db.rebind(`INSERT INTO videos (` + videoColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.conn.ExecContext(ctx, query,
		video.ID,
		video.Filename,
		video.StoragePath,
		string(video.Status),
		video.FailureReason,
		video.Stage,
		video.Duration,
		video.CoverPath,
		video.CreatedAt,
		video.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

func (r *VideoRepository) GetVideoByID(ctx context.Context, id string) (*models.Video, error) {
	query := r.db.rebind(`SELECT ` + videoColumns + ` FROM videos WHERE id = ?`)
	video, err := scanVideo(r.db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return video, nil
}

// GetVideosByIDs returns the videos that exist among ids, keyed by id.
func (r *VideoRepository) GetVideosByIDs(ctx context.Context, ids []string) (map[string]*models.Video, error) {
	out := make(map[string]*models.Video, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := r.db.rebind(`SELECT ` + videoColumns + ` FROM videos WHERE id IN (` + placeholders(len(ids)) + `)`)
	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}

func (r *VideoRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	return r.list(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC, id`)
}

// ListByStatus returns videos in any of the given states, oldest first so
// recovery re-enqueues them in upload order.
func (r *VideoRepository) ListByStatus(ctx context.Context, statuses ...models.VideoStatus) ([]models.Video, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.list(ctx, `SELECT `+videoColumns+` FROM videos WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`, args...)
}

func (r *VideoRepository) list(ctx context.Context, query string, args ...any) ([]models.Video, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	videos := []models.Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

func (r *VideoRepository) IDsByStatus(ctx context.Context, status models.VideoStatus) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`SELECT id FROM videos WHERE status = ?`), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query video ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan video id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompareAndSetStatus moves a video from one status to another only if it
// is still in from. It reports whether the row was updated.
func (r *VideoRepository) CompareAndSetStatus(ctx context.Context, id string, from, to models.VideoStatus, reason string) (bool, error) {
	query := r.db.rebind(`UPDATE videos SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := r.db.conn.ExecContext(ctx, query, string(to), reason, time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update video status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update video status: %w", err)
	}
	return n == 1, nil
}

// ResetForReprocess puts a terminal video back to PENDING and clears its
// checkpoint and any pending cancel request.
func (r *VideoRepository) ResetForReprocess(ctx context.Context, id string, from models.VideoStatus) (bool, error) {
	query := r.db.rebind(`UPDATE videos SET status = ?, failure_reason = '', stage = '', cancel_requested = 0, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := r.db.conn.ExecContext(ctx, query, string(models.StatusPending), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to reset video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reset video: %w", err)
	}
	return n == 1, nil
}

func (r *VideoRepository) SetStage(ctx context.Context, id, stage string) error {
	query := r.db.rebind(`UPDATE videos SET stage = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, stage, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}
	return nil
}

// SetMediaInfo stores what audio extraction learned about the file.
func (r *VideoRepository) SetMediaInfo(ctx context.Context, id string, duration float64, coverPath string) error {
	query := r.db.rebind(`UPDATE videos SET duration = ?, cover_path = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, duration, coverPath, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record media info: %w", err)
	}
	return nil
}

// DeleteVideo removes the row; subtitles and frame samples cascade.
func (r *VideoRepository) DeleteVideo(ctx context.Context, id string) error {
	res, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM videos WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("video %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// CountByStatus reports how many videos sit in each state.
func (r *VideoRepository) CountByStatus(ctx context.Context) (map[models.VideoStatus]int, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count videos: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.VideoStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.VideoStatus(status)] = n
	}
	return counts, rows.Err()
}

// AcquireLease makes owner the only runner of the video until the given
// time. A lease held by another owner is taken over only after it expires.
func (r *VideoRepository) AcquireLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	query := r.db.rebind(`UPDATE videos SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until < ?)`)
	res, err := r.db.conn.ExecContext(ctx, query, owner, until.UnixMilli(), id, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetVideoByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RenewLease extends a lease owner still holds. It also reports whether
// another process asked for the run to be cancelled.
func (r *VideoRepository) RenewLease(ctx context.Context, id, owner string, until time.Time) (held, cancelRequested bool, err error) {
	query := r.db.rebind(`UPDATE videos SET lease_until = ? WHERE id = ? AND lease_owner = ?`)
	res, err := r.db.conn.ExecContext(ctx, query, until.UnixMilli(), id, owner)
	if err != nil {
		return false, false, fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, false, err
	}

	var flag int
	err = r.db.conn.QueryRowContext(ctx, r.db.rebind(`SELECT cancel_requested FROM videos WHERE id = ?`), id).Scan(&flag)
	if err != nil {
		return true, false, fmt.Errorf("failed to read cancel request: %w", err)
	}
	return true, flag != 0, nil
}

func (r *VideoRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	query := r.db.rebind(`UPDATE videos SET lease_owner = '', lease_until = 0 WHERE id = ? AND lease_owner = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, id, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// RequestCancel flags a PROCESSING video so that whichever process holds
// its lease cancels the run.
func (r *VideoRepository) RequestCancel(ctx context.Context, id string) error {
	query := r.db.rebind(`UPDATE videos SET cancel_requested = 1 WHERE id = ? AND status = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, id, string(models.StatusProcessing)); err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return nil
}

// ListOrphaned returns PROCESSING videos no live lease covers, oldest first.
func (r *VideoRepository) ListOrphaned(ctx context.Context, now time.Time) ([]models.Video, error) {
	return r.list(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE status = ? AND (lease_owner = '' OR lease_until < ?)
		ORDER BY created_at, id`, string(models.StatusProcessing), now.UnixMilli())
}
