package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/kdimtricp/vsearch/internal/events"
	"github.com/kdimtricp/vsearch/internal/models"
)

// Store persists video records. Status writes are compare-and-set so that
// a stale writer in another process cannot overwrite a newer state.
type Store interface {
	InsertVideo(ctx context.Context, video *models.Video) error
	GetVideoByID(ctx context.Context, id string) (*models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to models.VideoStatus, reason string) (bool, error)
	ResetForReprocess(ctx context.Context, id string, from models.VideoStatus) (bool, error)
	SetStage(ctx context.Context, id, stage string) error
	DeleteVideo(ctx context.Context, id string) error
}

// Observer is told about every committed state change.
type Observer func(events.Event)

const DefaultFailureReason = "unknown error"

var edges = map[models.VideoStatus][]models.VideoStatus{
	models.StatusPending:    {models.StatusProcessing},
	models.StatusProcessing: {models.StatusCompleted, models.StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge. Leaving a
// terminal state is only possible through Reprocess.
func CanTransition(from, to models.VideoStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine is the only writer of a video's status. Operations on one video
// are serialized; different videos proceed independently.
type Machine struct {
	store    Store
	locks    *keyedMutex
	observer Observer
}

func NewMachine(store Store, observer Observer) *Machine {
	return &Machine{
		store:    store,
		locks:    newKeyedMutex(),
		observer: observer,
	}
}

func (m *Machine) notify(v *models.Video) {
	if m.observer == nil {
		return
	}
	m.observer(events.Event{
		VideoID:       v.ID,
		Status:        v.Status,
		Stage:         v.Stage,
		FailureReason: v.FailureReason,
		At:            v.UpdatedAt,
	})
}

func (m *Machine) Create(ctx context.Context, filename, storagePath string) (*models.Video, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", models.ErrValidation)
	}
	if strings.TrimSpace(storagePath) == "" {
		return nil, fmt.Errorf("%w: storage path is required", models.ErrValidation)
	}

	video := models.NewVideo(filename, storagePath)
	if err := m.store.InsertVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	m.notify(video)
	return video, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Video, error) {
	return m.store.GetVideoByID(ctx, id)
}

func (m *Machine) List(ctx context.Context) ([]models.Video, error) {
	return m.store.ListVideos(ctx)
}

// Transition moves a video along a legal edge. Moving to FAILED always
// records a reason.
func (m *Machine) Transition(ctx context.Context, id string, target models.VideoStatus, reason string) (*models.Video, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	video, err := m.store.GetVideoByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(video.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, video.Status, target)
	}

	if target == models.StatusFailed {
		if strings.TrimSpace(reason) == "" {
			reason = DefaultFailureReason
		}
	} else {
		reason = ""
	}

	ok, err := m.store.CompareAndSetStatus(ctx, id, video.Status, target, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed concurrently", models.ErrIllegalTransition, id)
	}

	return m.reload(ctx, id)
}

// Reprocess puts a finished video back in the queue state and clears its
// failure reason and checkpoint.
func (m *Machine) Reprocess(ctx context.Context, id string) (*models.Video, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	video, err := m.store.GetVideoByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !video.Status.Terminal() {
		return nil, fmt.Errorf("%w: video %s is %s", models.ErrAlreadyInProgress, id, video.Status)
	}

	ok, err := m.store.ResetForReprocess(ctx, id, video.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: video %s changed concurrently", models.ErrAlreadyInProgress, id)
	}

	return m.reload(ctx, id)
}

// Checkpoint records the last stage whose output is persisted.
func (m *Machine) Checkpoint(ctx context.Context, id, stage string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	video, err := m.store.GetVideoByID(ctx, id)
	if err != nil {
		return err
	}
	if video.Status != models.StatusProcessing {
		return fmt.Errorf("%w: checkpoint on %s video", models.ErrIllegalTransition, video.Status)
	}
	if err := m.store.SetStage(ctx, id, stage); err != nil {
		return err
	}

	_, err = m.reload(ctx, id)
	return err
}

// Delete removes a video record that no run owns.
func (m *Machine) Delete(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	video, err := m.store.GetVideoByID(ctx, id)
	if err != nil {
		return err
	}
	if video.Status == models.StatusProcessing {
		return fmt.Errorf("%w: video %s is being processed", models.ErrAlreadyInProgress, id)
	}
	return m.store.DeleteVideo(ctx, id)
}

func (m *Machine) reload(ctx context.Context, id string) (*models.Video, error) {
	video, err := m.store.GetVideoByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.notify(video)
	return video, nil
}
