package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/processing"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

const CancelledReason = "cancelled"

const cancelPollInterval = 250 * time.Millisecond

// ErrLeaseHeld means another process owns the video's run.
var ErrLeaseHeld = fmt.Errorf("%w: leased by another worker", models.ErrAlreadyInProgress)

type VideoStore interface {
	SetMediaInfo(ctx context.Context, id string, duration float64, coverPath string) error
	ListByStatus(ctx context.Context, statuses ...models.VideoStatus) ([]models.Video, error)
	ListOrphaned(ctx context.Context, now time.Time) ([]models.Video, error)

	AcquireLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error)
	RenewLease(ctx context.Context, id, owner string, until time.Time) (held, cancelRequested bool, err error)
	ReleaseLease(ctx context.Context, id, owner string) error
	RequestCancel(ctx context.Context, id string) error
}

type SubtitleStore interface {
	ReplaceForVideo(ctx context.Context, videoID string, subs []models.Subtitle) error
	ListByVideo(ctx context.Context, videoID string) ([]models.Subtitle, error)
	DeleteByVideoID(ctx context.Context, videoID string) error
}

type FrameStore interface {
	ReplaceForVideo(ctx context.Context, videoID string, frames []models.FrameSample) error
	ListByVideo(ctx context.Context, videoID string) ([]models.FrameSample, error)
	DeleteByVideoID(ctx context.Context, videoID string) error
}

type Config struct {
	FrameInterval  float64
	FrameSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// LeaseTTL bounds how long a crashed process keeps a video locked.
	// Live runs renew their lease every third of it.
	LeaseTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		FrameInterval:  5,
		FrameSize:      512,
		MaxAttempts:    3,
		RetryBaseDelay: 500 * time.Millisecond,
		LeaseTTL:       time.Minute,
	}
}

type Deps struct {
	Machine   *tasks.Machine
	Videos    VideoStore
	Subtitles SubtitleStore
	Frames    FrameStore
	Index     index.Index
	Storage   storage.Storage
	Media     Media
	Providers *ai.Providers
}

// run is one live pipeline execution. Cancel and finish race for it: once
// sealed, a run can no longer be cancelled, and a cancelled run can no
// longer be sealed. A run whose lease was lost can do neither.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stop   chan struct{}

	mu        sync.Mutex
	cancelled bool
	sealed    bool
	lost      bool
}

func (rn *run) requestCancel() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.sealed {
		return false
	}
	rn.cancelled = true
	rn.cancel()
	return true
}

func (rn *run) seal() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.cancelled || rn.lost {
		return false
	}
	rn.sealed = true
	return true
}

func (rn *run) loseLease() {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.sealed {
		return
	}
	rn.lost = true
	rn.cancel()
}

func (rn *run) state() (cancelled, lost bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.cancelled, rn.lost
}

// Runner drives videos through the stages. A run owns its video through a
// lease stored on the video row, so at most one run per video exists
// across every process sharing the database.
type Runner struct {
	machine   *tasks.Machine
	videos    VideoStore
	subtitles SubtitleStore
	frames    FrameStore
	index     index.Index
	storage   storage.Storage
	media     Media
	providers *ai.Providers
	config    Config
	retrier   *processing.Retrier
	logger    *slog.Logger
	owner     string

	mu     sync.Mutex
	active map[string]*run
}

func NewRunner(deps Deps, config Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.FrameInterval <= 0 {
		config.FrameInterval = defaults.FrameInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}

	return &Runner{
		machine:   deps.Machine,
		videos:    deps.Videos,
		subtitles: deps.Subtitles,
		frames:    deps.Frames,
		index:     deps.Index,
		storage:   deps.Storage,
		media:     deps.Media,
		providers: deps.Providers,
		config:    config,
		retrier:   processing.NewRetrier(config.MaxAttempts, config.RetryBaseDelay),
		logger:    logger,
		owner:     uuid.NewString(),
		active:    make(map[string]*run),
	}
}

// claim registers a run for the video and takes its lease. It fails with
// ErrLeaseHeld while another process holds a live lease.
func (r *Runner) claim(ctx context.Context, id string) (*run, error) {
	r.mu.Lock()
	if _, ok := r.active[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: video %s", models.ErrAlreadyInProgress, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	rn := &run{ctx: runCtx, cancel: cancel, done: make(chan struct{}), stop: make(chan struct{})}
	r.active[id] = rn
	r.mu.Unlock()

	now := time.Now()
	ok, err := r.videos.AcquireLease(ctx, id, r.owner, now, now.Add(r.config.LeaseTTL))
	if err == nil && !ok {
		err = fmt.Errorf("%w: video %s", ErrLeaseHeld, id)
	}
	if err != nil {
		r.forget(id, rn)
		return nil, err
	}

	go r.heartbeat(id, rn)
	return rn, nil
}

// release gives the lease back before dropping the local entry, so a new
// claim in this process never shares the old lease.
func (r *Runner) release(id string, rn *run) {
	close(rn.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.videos.ReleaseLease(ctx, id, r.owner); err != nil {
		r.logger.Warn("failed to release lease", "video_id", id, "error", err)
	}
	r.forget(id, rn)
}

func (r *Runner) forget(id string, rn *run) {
	r.mu.Lock()
	if r.active[id] == rn {
		delete(r.active, id)
	}
	r.mu.Unlock()
	rn.cancel()
	close(rn.done)
}

func (r *Runner) heartbeat(id string, rn *run) {
	ticker := time.NewTicker(r.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-rn.stop:
			return
		case <-ticker.C:
			r.renew(id, rn)
		}
	}
}

// renew extends the lease and picks up cancel requests made by other
// processes.
func (r *Runner) renew(id string, rn *run) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.LeaseTTL/3)
	defer cancel()

	held, cancelRequested, err := r.videos.RenewLease(ctx, id, r.owner, time.Now().Add(r.config.LeaseTTL))
	switch {
	case err != nil:
		r.logger.Warn("failed to renew lease", "video_id", id, "error", err)
	case !held:
		r.logger.Warn("lease taken over by another worker", "video_id", id)
		rn.loseLease()
	case cancelRequested:
		rn.requestCancel()
	}
}

// Active reports whether a run currently owns the video.
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Run executes the remaining stages of a video. A PENDING video starts
// from the beginning; a PROCESSING one resumes after its checkpoint; a
// finished one is left alone. If ctx ends without an explicit Cancel the
// video stays PROCESSING so a later Run can resume it.
func (r *Runner) Run(ctx context.Context, id string) error {
	rn, err := r.claim(ctx, id)
	if err != nil {
		return err
	}
	defer r.release(id, rn)

	logger := r.logger.With("video_id", id)

	video, err := r.machine.Get(ctx, id)
	if err != nil {
		return err
	}
	switch video.Status {
	case models.StatusPending:
		if video, err = r.machine.Transition(ctx, id, models.StatusProcessing, ""); err != nil {
			return err
		}
		logger.Info("processing started", "filename", video.Filename)
	case models.StatusProcessing:
		logger.Info("processing resumed", "checkpoint", video.Stage)
	default:
		logger.Debug("nothing to do", "status", video.Status)
		return nil
	}

	j, err := r.newJob(video)
	if err != nil {
		return r.fail(ctx, logger, rn, video, StageExtractAudio, err)
	}

	for _, name := range remaining(video.Stage) {
		r.renew(id, rn)
		if rn.ctx.Err() != nil {
			return r.interrupted(ctx, logger, rn, video)
		}

		started := time.Now()
		if err := r.stage(name)(rn.ctx, j); err != nil {
			if rn.ctx.Err() != nil {
				return r.interrupted(ctx, logger, rn, video)
			}
			return r.fail(ctx, logger, rn, video, name, err)
		}
		if err := r.machine.Checkpoint(rn.ctx, id, name); err != nil {
			if rn.ctx.Err() != nil {
				return r.interrupted(ctx, logger, rn, video)
			}
			return r.fail(ctx, logger, rn, video, name, fmt.Errorf("checkpoint: %w", err))
		}
		logger.Info("stage completed", "stage", name, "took", time.Since(started).Round(time.Millisecond))
	}

	r.renew(id, rn)
	if !rn.seal() {
		return r.interrupted(ctx, logger, rn, video)
	}
	if _, err := r.machine.Transition(context.WithoutCancel(ctx), id, models.StatusCompleted, ""); err != nil {
		return err
	}
	logger.Info("processing completed")
	return nil
}

func failureReason(stage string, err error) string {
	if errors.Is(err, models.ErrUnsupportedMedia) {
		return "unsupported media"
	}
	return fmt.Sprintf("%s: %v", stage, err)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, rn *run, video *models.Video, stage string, cause error) error {
	if !rn.seal() {
		return r.interrupted(ctx, logger, rn, video)
	}

	reason := failureReason(stage, cause)
	logger.Error("processing failed", "stage", stage, "error", cause)
	if _, err := r.machine.Transition(context.WithoutCancel(ctx), video.ID, models.StatusFailed, reason); err != nil {
		// the released lease leaves the video orphaned; Reclaim picks it up
		logger.Error("failed to record failure", "error", err)
		return errors.Join(cause, err)
	}
	return fmt.Errorf("%s: %w", stage, cause)
}

// interrupted settles a run whose context ended. A run that lost its lease
// touches nothing. An explicit cancel fails the video and drops what the
// run produced. Anything else, like shutdown, leaves it PROCESSING for
// resumption.
func (r *Runner) interrupted(ctx context.Context, logger *slog.Logger, rn *run, video *models.Video) error {
	cancelled, lost := rn.state()
	if lost {
		logger.Warn("processing abandoned, another worker owns the video")
		return fmt.Errorf("%w: video %s", ErrLeaseHeld, video.ID)
	}
	if !cancelled {
		logger.Warn("processing interrupted, left for resumption")
		return rn.ctx.Err()
	}
	return r.abort(context.WithoutCancel(ctx), logger, video)
}

func (r *Runner) abort(ctx context.Context, logger *slog.Logger, video *models.Video) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := r.Discard(ctx, video); err != nil {
		logger.Error("failed to discard artifacts", "error", err)
	}
	if _, err := r.machine.Transition(ctx, video.ID, models.StatusFailed, CancelledReason); err != nil {
		return err
	}
	logger.Info("processing cancelled")
	return models.ErrCancelled
}

// Discard removes everything derived from the video: vectors, subtitles,
// frames and files under its artifact directory.
func (r *Runner) Discard(ctx context.Context, video *models.Video) error {
	return errors.Join(
		r.index.Remove(ctx, video.ID),
		r.subtitles.DeleteByVideoID(ctx, video.ID),
		r.frames.DeleteByVideoID(ctx, video.ID),
		r.storage.RemoveArtifacts(video.ID),
		r.videos.SetMediaInfo(ctx, video.ID, video.Duration, ""),
	)
}

// Cancel stops the video's run at its next stage boundary and waits for
// it to settle as FAILED. A run owned by another process is asked to stop
// through the database. A PROCESSING video with no live run, left over
// from a dead process, is failed directly.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	rn, ok := r.active[id]
	r.mu.Unlock()

	if ok {
		if !rn.requestCancel() {
			return fmt.Errorf("%w: video %s is already finishing", models.ErrIllegalTransition, id)
		}
		select {
		case <-rn.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rn, err := r.claim(ctx, id)
	if errors.Is(err, ErrLeaseHeld) {
		return r.cancelRemote(ctx, id)
	}
	if err != nil {
		return err
	}
	return r.cancelOrphan(ctx, id, rn)
}

func (r *Runner) cancelOrphan(ctx context.Context, id string, rn *run) error {
	defer r.release(id, rn)

	video, err := r.machine.Get(ctx, id)
	if err != nil {
		return err
	}
	if video.Status != models.StatusProcessing {
		return fmt.Errorf("%w: video %s is %s", models.ErrIllegalTransition, id, video.Status)
	}
	err = r.abort(ctx, r.logger.With("video_id", id), video)
	if errors.Is(err, models.ErrCancelled) {
		return nil
	}
	return err
}

// cancelRemote flags the video for the lease holder and waits until it
// leaves PROCESSING. If the lease lapses first the video is failed here.
func (r *Runner) cancelRemote(ctx context.Context, id string) error {
	if err := r.videos.RequestCancel(ctx, id); err != nil {
		return err
	}
	r.logger.Info("cancel requested from lease holder", "video_id", id)

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		video, err := r.machine.Get(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case video.Status == models.StatusFailed && video.FailureReason == CancelledReason:
			return nil
		case video.Status != models.StatusProcessing:
			return fmt.Errorf("%w: video %s is already finishing", models.ErrIllegalTransition, id)
		}

		rn, err := r.claim(ctx, id)
		if errors.Is(err, ErrLeaseHeld) {
			continue
		}
		if err != nil {
			return err
		}
		return r.cancelOrphan(ctx, id, rn)
	}
}
