package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type VideoStatus string

const (
	StatusPending    VideoStatus = "PENDING"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusCompleted  VideoStatus = "COMPLETED"
	StatusFailed     VideoStatus = "FAILED"
)

// Terminal reports whether no pipeline run can move the video further
// without an explicit reprocess.
func (s VideoStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s VideoStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Video struct {
	ID            string      `json:"id"`
	Filename      string      `json:"filename"`
	StoragePath   string      `json:"filepath"`
	Status        VideoStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	// Stage is the last pipeline stage whose output was persisted.
	Stage     string    `json:"stage,omitempty"`
	Duration  float64   `json:"duration"`
	CoverPath string    `json:"-"`
	CoverURL  string    `json:"cover_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewVideo(filename, storagePath string) *Video {
	now := time.Now().UTC()
	return &Video{
		ID:          uuid.New().String(),
		Filename:    filename,
		StoragePath: storagePath,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type Subtitle struct {
	ID        string  `json:"id"`
	VideoID   string  `json:"video_id"`
	Seq       int     `json:"-"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

type FrameSample struct {
	ID        string  `json:"id"`
	VideoID   string  `json:"video_id"`
	Seq       int     `json:"-"`
	Timestamp float64 `json:"timestamp"`
	Path      string  `json:"path"`
}

// OwnerID derives a stable id for the n-th artifact of a kind within a
// video, so a re-run stage overwrites the vectors of the previous attempt.
func OwnerID(videoID, kind string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(videoID+"/"+kind+"/"+strconv.Itoa(seq))).String()
}
