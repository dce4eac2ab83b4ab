package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kdimtricp/vsearch/internal/ai"
	"github.com/kdimtricp/vsearch/internal/database"
	"github.com/kdimtricp/vsearch/internal/events"
	"github.com/kdimtricp/vsearch/internal/index"
	"github.com/kdimtricp/vsearch/internal/media"
	"github.com/kdimtricp/vsearch/internal/models"
	"github.com/kdimtricp/vsearch/internal/search"
	"github.com/kdimtricp/vsearch/internal/storage"
	"github.com/kdimtricp/vsearch/internal/tasks"
)

const testDim = 32

type fakeMedia struct {
	info     media.Info
	probeErr error
	frames   int

	// blockFrames makes SampleFrames wait for ctx to end.
	blockFrames atomic.Bool
	sampling    chan struct{}
}

func (m *fakeMedia) Probe(ctx context.Context, path string) (media.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return media.Info{}, err
	}
	return m.info, m.probeErr
}

func (m *fakeMedia) ExtractAudio(ctx context.Context, src, dst string) error {
	return os.WriteFile(dst, []byte("RIFF fake wav"), 0644)
}

func (m *fakeMedia) ExtractCover(ctx context.Context, src, dst string, at float64, size int) error {
	return os.WriteFile(dst, []byte("cover"), 0644)
}

func (m *fakeMedia) SampleFrames(ctx context.Context, src, dir string, interval float64, size int) ([]media.Frame, error) {
	if m.blockFrames.Load() {
		if m.sampling != nil {
			close(m.sampling)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var frames []media.Frame
	for i := 0; i < m.frames; i++ {
		p := filepath.Join(dir, fmt.Sprintf("frame_%05d.jpg", i+1))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("frame-bytes-%05d", i)), 0644); err != nil {
			return nil, err
		}
		frames = append(frames, media.Frame{Path: p, Timestamp: float64(i) * interval})
	}
	return frames, nil
}

type fakeTranscriber struct {
	segments []ai.Segment
	failures int
	err      error
	block    bool
	started  chan struct{}
	once     sync.Once
	calls    atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) ([]ai.Segment, error) {
	n := f.calls.Add(1)
	if f.block {
		if f.started != nil {
			f.once.Do(func() { close(f.started) })
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil && (f.failures < 0 || int(n) <= f.failures) {
		return nil, f.err
	}
	return f.segments, nil
}

// failingStages stands in for a database whose checkpoint writes fail.
type failingStages struct {
	*database.VideoRepository
	failOn string
}

func (s *failingStages) SetStage(ctx context.Context, id, stage string) error {
	if stage == s.failOn {
		return errors.New("disk I/O error")
	}
	return s.VideoRepository.SetStage(ctx, id, stage)
}

const testLeaseTTL = 2 * time.Second

func testConfig() Config {
	return Config{FrameInterval: 5, MaxAttempts: 3, RetryBaseDelay: time.Millisecond, LeaseTTL: testLeaseTTL}
}

type testEnv struct {
	videos      *database.VideoRepository
	stages      *failingStages
	observe     func(events.Event)
	machine     *tasks.Machine
	runner      *Runner
	service     *Service
	queue       *MemoryQueue
	index       *index.Memory
	store       *storage.LocalStorage
	media       *fakeMedia
	transcriber *fakeTranscriber
	subtitles   *database.SubtitleRepository
	frames      *database.FrameRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := database.NewTestDB(t)
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	videos := database.NewVideoRepository(db)
	env := &testEnv{
		videos: videos,
		stages: &failingStages{VideoRepository: videos},
		queue:  NewMemoryQueue(),
		index:  index.NewMemory(index.Dimensions{models.ModalityText: testDim, models.ModalityImage: testDim}),
		store:  store,
		media: &fakeMedia{
			info:   media.Info{Duration: 12, HasAudio: true, HasVideo: true},
			frames: 3,
		},
		transcriber: &fakeTranscriber{
			segments: []ai.Segment{
				{Start: 0, End: 4, Text: "hello world"},
				{Start: 4, End: 8, Text: "semantic search for video"},
			},
		},
		subtitles: database.NewSubtitleRepository(db),
		frames:    database.NewFrameRepository(db),
	}

	env.machine = tasks.NewMachine(env.stages, func(e events.Event) {
		if env.observe != nil {
			env.observe(e)
		}
	})
	env.runner = env.newRunner(env.machine, env.transcriber)
	env.service = NewService(env.runner, env.queue, nil)
	return env
}

func (e *testEnv) newRunner(machine *tasks.Machine, transcriber ai.Transcriber) *Runner {
	encoder := ai.NewLocalEncoder(testDim)
	return NewRunner(Deps{
		Machine:   machine,
		Videos:    e.videos,
		Subtitles: e.subtitles,
		Frames:    e.frames,
		Index:     e.index,
		Storage:   e.store,
		Media:     e.media,
		Providers: &ai.Providers{
			Transcriber:  transcriber,
			TextEncoder:  encoder,
			ImageEncoder: encoder,
		},
	}, testConfig(), nil)
}

// peer is a runner from another server process sharing the same
// database, index and media store.
func (e *testEnv) peer() *Runner {
	return e.newRunner(tasks.NewMachine(e.videos, nil), &fakeTranscriber{segments: e.transcriber.segments})
}

func (e *testEnv) engine() *search.Engine {
	encoder := ai.NewLocalEncoder(testDim)
	return search.NewEngine(e.videos, e.subtitles, e.frames, e.index, encoder, encoder, search.Config{}, nil)
}

func (e *testEnv) upload(t *testing.T) *models.Video {
	t.Helper()
	video, err := e.service.Submit(context.Background(), strings.NewReader("not really a video"), storage.FileInfo{Filename: "clip.mp4"})
	if err != nil {
		t.Fatalf("Failed to submit video: %v", err)
	}
	return video
}

func (e *testEnv) get(t *testing.T, id string) *models.Video {
	t.Helper()
	video, err := e.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to get video: %v", err)
	}
	return video
}

func (e *testEnv) counts(t *testing.T, id string) (subs, frames int) {
	t.Helper()
	ctx := context.Background()
	s, err := e.subtitles.ListByVideo(ctx, id)
	if err != nil {
		t.Fatalf("Failed to list subtitles: %v", err)
	}
	f, err := e.frames.ListByVideo(ctx, id)
	if err != nil {
		t.Fatalf("Failed to list frames: %v", err)
	}
	return len(s), len(f)
}

func TestRunner_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)

	if env.queue.Len() != 1 {
		t.Fatalf("Expected upload to be queued, queue has %d", env.queue.Len())
	}
	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := env.get(t, video.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", got.Status, got.FailureReason)
	}
	if got.Stage != StageEmbedImages {
		t.Errorf("Expected final checkpoint %s, got %s", StageEmbedImages, got.Stage)
	}
	if got.Duration != 12 || got.CoverPath == "" {
		t.Errorf("Expected media info to be recorded, got duration=%f cover=%q", got.Duration, got.CoverPath)
	}

	subs, frames := env.counts(t, video.ID)
	if subs != 2 || frames != 3 {
		t.Errorf("Expected 2 subtitles and 3 frames, got %d and %d", subs, frames)
	}
	if n := env.index.Len(models.ModalityText); n != 2 {
		t.Errorf("Expected 2 text vectors, got %d", n)
	}
	if n := env.index.Len(models.ModalityImage); n != 3 {
		t.Errorf("Expected 3 image vectors, got %d", n)
	}

	// a stale queue entry for a finished video is a no-op
	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Errorf("Expected rerun of finished video to be ignored, got %v", err)
	}
	if env.transcriber.calls.Load() != 1 {
		t.Errorf("Expected one transcription, got %d", env.transcriber.calls.Load())
	}
}

func TestRunner_SilentVideo(t *testing.T) {
	env := newTestEnv(t)
	env.media.info.HasAudio = false
	video := env.upload(t)

	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := env.get(t, video.ID); got.Status != models.StatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", got.Status, got.FailureReason)
	}
	if env.transcriber.calls.Load() != 0 {
		t.Errorf("Expected no transcription without audio, got %d calls", env.transcriber.calls.Load())
	}
	subs, frames := env.counts(t, video.ID)
	if subs != 0 || frames != 3 {
		t.Errorf("Expected 0 subtitles and 3 frames, got %d and %d", subs, frames)
	}
	if n := env.index.Len(models.ModalityImage); n != 3 {
		t.Errorf("Expected frames to stay searchable, got %d image vectors", n)
	}
}

func TestRunner_EmptyTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.transcriber.segments = nil
	video := env.upload(t)

	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected silence to complete, got %s", got.Status)
	}
	if n := env.index.Len(models.ModalityText); n != 0 {
		t.Errorf("Expected no text vectors, got %d", n)
	}
}

func TestRunner_UnsupportedMedia(t *testing.T) {
	env := newTestEnv(t)
	env.media.probeErr = fmt.Errorf("%w: no video stream", models.ErrUnsupportedMedia)
	video := env.upload(t)

	err := env.runner.Run(context.Background(), video.ID)
	if !errors.Is(err, models.ErrUnsupportedMedia) {
		t.Fatalf("Expected ErrUnsupportedMedia, got %v", err)
	}

	got := env.get(t, video.ID)
	if got.Status != models.StatusFailed || got.FailureReason != "unsupported media" {
		t.Errorf("Expected FAILED with unsupported media, got %s (%s)", got.Status, got.FailureReason)
	}
	if env.transcriber.calls.Load() != 0 {
		t.Errorf("Expected no transcription, got %d calls", env.transcriber.calls.Load())
	}

	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Errorf("Expected rerun to be ignored, got %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusFailed {
		t.Errorf("Expected video to stay FAILED, got %s", got.Status)
	}
}

func TestRunner_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		failures   int
		wantStatus models.VideoStatus
		wantCalls  int32
	}{
		{"transient then success", models.Transient(errors.New("503")), 2, models.StatusCompleted, 3},
		{"transient exhausted", models.Transient(errors.New("503")), -1, models.StatusFailed, 3},
		{"permanent", errors.New("bad request"), -1, models.StatusFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.transcriber.err = tt.err
			env.transcriber.failures = tt.failures
			video := env.upload(t)

			env.runner.Run(context.Background(), video.ID)

			got := env.get(t, video.ID)
			if got.Status != tt.wantStatus {
				t.Fatalf("Expected %s, got %s (%s)", tt.wantStatus, got.Status, got.FailureReason)
			}
			if calls := env.transcriber.calls.Load(); calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
			if tt.wantStatus == models.StatusFailed {
				if !strings.HasPrefix(got.FailureReason, StageTranscribe+": ") {
					t.Errorf("Expected reason to name the stage, got %q", got.FailureReason)
				}
				if got.Stage != StageExtractAudio {
					t.Errorf("Expected checkpoint %s, got %s", StageExtractAudio, got.Stage)
				}
			}
		})
	}
}

func startBlockedRun(t *testing.T, env *testEnv) (*models.Video, chan error) {
	t.Helper()
	env.transcriber.block = true
	env.transcriber.started = make(chan struct{})
	video := env.upload(t)

	done := make(chan error, 1)
	go func() {
		done <- env.runner.Run(context.Background(), video.ID)
	}()

	select {
	case <-env.transcriber.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for transcription to start")
	}
	return video, done
}

func TestService_CancelMidRun(t *testing.T) {
	env := newTestEnv(t)
	video, done := startBlockedRun(t, env)

	got, err := env.service.Cancel(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.FailureReason != CancelledReason {
		t.Errorf("Expected FAILED cancelled, got %s (%s)", got.Status, got.FailureReason)
	}

	select {
	case err := <-done:
		if !errors.Is(err, models.ErrCancelled) {
			t.Errorf("Expected run to end with ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	subs, frames := env.counts(t, video.ID)
	if subs != 0 || frames != 0 {
		t.Errorf("Expected artifacts to be discarded, got %d subtitles and %d frames", subs, frames)
	}
	if _, err := os.Stat(filepath.Join(env.store.Root(), video.ID)); !os.IsNotExist(err) {
		t.Errorf("Expected artifact directory to be removed, got %v", err)
	}
	if env.runner.Active(video.ID) {
		t.Error("Expected run to be released")
	}

	if _, err := env.service.Cancel(context.Background(), video.ID); !errors.Is(err, models.ErrIllegalTransition) {
		t.Errorf("Expected cancelling a FAILED video to be rejected, got %v", err)
	}
}

func TestService_AlreadyInProgress(t *testing.T) {
	env := newTestEnv(t)
	video, done := startBlockedRun(t, env)

	if err := env.runner.Run(context.Background(), video.ID); !errors.Is(err, models.ErrAlreadyInProgress) {
		t.Errorf("Expected second run to be rejected, got %v", err)
	}
	if _, err := env.service.Reprocess(context.Background(), video.ID); !errors.Is(err, models.ErrAlreadyInProgress) {
		t.Errorf("Expected reprocess to be rejected, got %v", err)
	}

	if _, err := env.service.Cancel(context.Background(), video.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	<-done
}

func TestRunner_ResumesAfterInterruption(t *testing.T) {
	env := newTestEnv(t)
	env.media.blockFrames.Store(true)
	env.media.sampling = make(chan struct{})
	video := env.upload(t)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner.Run(ctx, video.ID) }()

	select {
	case <-env.media.sampling:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for frame sampling")
	}
	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected interrupted run to return context.Canceled, got %v", err)
	}

	got := env.get(t, video.ID)
	if got.Status != models.StatusProcessing || got.Stage != StageEmbedText {
		t.Fatalf("Expected PROCESSING at %s, got %s at %s", StageEmbedText, got.Status, got.Stage)
	}

	recovered, err := env.service.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered != 1 {
		t.Errorf("Expected 1 recovered video, got %d", recovered)
	}

	env.media.blockFrames.Store(false)
	if err := env.runner.Run(context.Background(), video.ID); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusCompleted {
		t.Fatalf("Expected COMPLETED after resume, got %s (%s)", got.Status, got.FailureReason)
	}
	if calls := env.transcriber.calls.Load(); calls != 1 {
		t.Errorf("Expected finished stages not to rerun, got %d transcriptions", calls)
	}
	if n := env.index.Len(models.ModalityText); n != 2 {
		t.Errorf("Expected text vectors from the first run to remain, got %d", n)
	}
}

func TestService_Reprocess(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)
	ctx := context.Background()

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	env.queue.Dequeue(ctx)

	got, err := env.service.Reprocess(ctx, video.ID)
	if err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if got.Status != models.StatusPending || got.Stage != "" {
		t.Errorf("Expected clean PENDING video, got %s at %q", got.Status, got.Stage)
	}
	if env.index.Len(models.ModalityText)+env.index.Len(models.ModalityImage) != 0 {
		t.Error("Expected previous vectors to be removed")
	}
	if subs, frames := env.counts(t, video.ID); subs != 0 || frames != 0 {
		t.Errorf("Expected previous artifacts to be removed, got %d and %d", subs, frames)
	}
	if env.queue.Len() != 1 {
		t.Errorf("Expected video to be queued again, queue has %d", env.queue.Len())
	}

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	if n := env.index.Len(models.ModalityText); n != 2 {
		t.Errorf("Expected 2 text vectors, got %d", n)
	}
}

func TestService_Delete(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)
	ctx := context.Background()

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	original, err := env.store.LocalPath(video.StoragePath)
	if err != nil {
		t.Fatalf("Failed to resolve path: %v", err)
	}

	if err := env.service.Delete(ctx, video.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := env.machine.Get(ctx, video.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(original); !os.IsNotExist(err) {
		t.Errorf("Expected original file to be removed, got %v", err)
	}
	if env.index.Len(models.ModalityText)+env.index.Len(models.ModalityImage) != 0 {
		t.Error("Expected vectors to be removed")
	}
	if err := env.service.Delete(ctx, video.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected second delete to return ErrNotFound, got %v", err)
	}
}

func TestService_DeleteWhileProcessing(t *testing.T) {
	env := newTestEnv(t)
	video, done := startBlockedRun(t, env)

	if err := env.service.Delete(context.Background(), video.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := <-done; !errors.Is(err, models.ErrCancelled) {
		t.Errorf("Expected run to be cancelled, got %v", err)
	}
	if _, err := env.machine.Get(context.Background(), video.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestService_CancelOrphanedRun(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)
	ctx := context.Background()

	// a PROCESSING record with no live run, as left by a crash
	if _, err := env.machine.Transition(ctx, video.ID, models.StatusProcessing, ""); err != nil {
		t.Fatalf("Failed to start processing: %v", err)
	}

	got, err := env.service.Cancel(ctx, video.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.FailureReason != CancelledReason {
		t.Errorf("Expected FAILED cancelled, got %s (%s)", got.Status, got.FailureReason)
	}
}

func TestPool_ProcessesQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewPool(env.queue, env.runner, 2, nil)
	pool.Start(ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.upload(t).ID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			if env.get(t, id).Status == models.StatusCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Video %s did not complete in time", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	waited := make(chan struct{})
	go func() {
		pool.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Workers did not stop")
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		checkpoint string
		want       int
	}{
		{"", len(Stages)},
		{"bogus", len(Stages)},
		{StageExtractAudio, len(Stages) - 1},
		{StageEmbedImages, 0},
	}
	for _, tt := range tests {
		if got := remaining(tt.checkpoint); len(got) != tt.want {
			t.Errorf("remaining(%q) has %d stages, want %d", tt.checkpoint, len(got), tt.want)
		}
	}
}

func TestFailureReason(t *testing.T) {
	if got := failureReason(StageExtractAudio, fmt.Errorf("probe: %w", models.ErrUnsupportedMedia)); got != "unsupported media" {
		t.Errorf("Unexpected reason %q", got)
	}
	if got := failureReason(StageEmbedText, errors.New("boom")); got != "embed_text: boom" {
		t.Errorf("Unexpected reason %q", got)
	}
}

func TestRunner_LeaseBlocksSecondProcess(t *testing.T) {
	env := newTestEnv(t)
	video, done := startBlockedRun(t, env)
	other := env.peer()

	err := other.Run(context.Background(), video.ID)
	if !errors.Is(err, ErrLeaseHeld) || !errors.Is(err, models.ErrAlreadyInProgress) {
		t.Fatalf("Expected the second process to be refused, got %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusProcessing {
		t.Fatalf("Expected video to stay PROCESSING, got %s", got.Status)
	}
	if n, err := env.service.Reclaim(context.Background()); err != nil || n != 0 {
		t.Errorf("Expected a leased video not to be reclaimed, got %d (%v)", n, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := other.Cancel(ctx, video.ID); err != nil {
		t.Fatalf("Cancel from the second process failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, models.ErrCancelled) {
			t.Errorf("Expected the owning run to end with ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Owning run did not stop")
	}

	got := env.get(t, video.ID)
	if got.Status != models.StatusFailed || got.FailureReason != CancelledReason {
		t.Errorf("Expected FAILED cancelled, got %s (%s)", got.Status, got.FailureReason)
	}
	if subs, frames := env.counts(t, video.ID); subs != 0 || frames != 0 {
		t.Errorf("Expected artifacts to be discarded, got %d subtitles and %d frames", subs, frames)
	}
}

func TestRunner_TakesOverLapsedLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	busy := env.upload(t)
	crashed := env.upload(t)
	for env.queue.Len() > 0 {
		env.queue.Dequeue(ctx)
	}

	now := time.Now()
	leases := []struct {
		id    string
		owner string
		until time.Time
	}{
		{busy.ID, "busy-worker", now.Add(time.Hour)},
		{crashed.ID, "crashed-worker", now.Add(-time.Second)},
	}
	for _, l := range leases {
		if _, err := env.machine.Transition(ctx, l.id, models.StatusProcessing, ""); err != nil {
			t.Fatalf("Failed to start processing: %v", err)
		}
		if ok, err := env.videos.AcquireLease(ctx, l.id, l.owner, now, l.until); err != nil || !ok {
			t.Fatalf("Failed to plant lease: ok=%v err=%v", ok, err)
		}
	}

	recovered, err := env.service.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("Expected only the lapsed video to be recovered, got %d", recovered)
	}
	if id, _ := env.queue.Dequeue(ctx); id != crashed.ID {
		t.Errorf("Expected %s to be queued, got %s", crashed.ID, id)
	}

	if err := env.runner.Run(ctx, busy.ID); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("Expected a live lease to refuse the run, got %v", err)
	}
	if env.transcriber.calls.Load() != 0 {
		t.Errorf("Expected no work on the leased video, got %d transcriptions", env.transcriber.calls.Load())
	}

	if err := env.runner.Run(ctx, crashed.ID); err != nil {
		t.Fatalf("Run after lapsed lease failed: %v", err)
	}
	if got := env.get(t, crashed.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s (%s)", got.Status, got.FailureReason)
	}

	// the busy worker shuts down cleanly and gives its lease back
	if err := env.videos.ReleaseLease(ctx, busy.ID, "busy-worker"); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}
	if n, err := env.service.Reclaim(ctx); err != nil || n != 1 {
		t.Errorf("Expected the released video to be reclaimed, got %d (%v)", n, err)
	}
}

func TestService_ReprocessKeepsVideoClaimed(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)
	ctx := context.Background()

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	env.queue.Dequeue(ctx)

	other := env.peer()
	var local, remote error
	env.observe = func(e events.Event) {
		if e.VideoID != video.ID || e.Status != models.StatusPending {
			return
		}
		// stale queue entries reach workers while the reset is under way
		local = env.runner.Run(ctx, video.ID)
		remote = other.Run(ctx, video.ID)
	}
	got, err := env.service.Reprocess(ctx, video.ID)
	env.observe = nil
	if err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}

	if !errors.Is(local, models.ErrAlreadyInProgress) {
		t.Errorf("Expected a worker in this process to be refused, got %v", local)
	}
	if !errors.Is(remote, ErrLeaseHeld) {
		t.Errorf("Expected a worker in another process to be refused, got %v", remote)
	}
	if got.Status != models.StatusPending {
		t.Errorf("Expected PENDING, got %s", got.Status)
	}
	if now := env.get(t, video.ID); now.Status != models.StatusPending {
		t.Errorf("Expected video to stay PENDING until the queued run, got %s", now.Status)
	}
	if env.index.Len(models.ModalityText)+env.index.Len(models.ModalityImage) != 0 {
		t.Error("Expected previous vectors to be removed")
	}

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Queued run failed: %v", err)
	}
	if got := env.get(t, video.ID); got.Status != models.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	if env.index.Len(models.ModalityText) != 2 || env.index.Len(models.ModalityImage) != 3 {
		t.Errorf("Expected a full index after the queued run, got %d text and %d image vectors",
			env.index.Len(models.ModalityText), env.index.Len(models.ModalityImage))
	}
}

func TestService_CancelReprocessedRun(t *testing.T) {
	env := newTestEnv(t)
	video := env.upload(t)
	ctx := context.Background()
	engine := env.engine()

	if err := env.runner.Run(ctx, video.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res, err := engine.Text(ctx, "hello world", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Results) == 0 {
		t.Fatal("Expected the completed video to be searchable")
	}
	env.queue.Dequeue(ctx)

	if _, err := env.service.Reprocess(ctx, video.ID); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	env.transcriber.block = true
	env.transcriber.started = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- env.runner.Run(ctx, video.ID) }()
	select {
	case <-env.transcriber.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for transcription to start")
	}

	got, err := env.service.Cancel(ctx, video.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.FailureReason != CancelledReason {
		t.Errorf("Expected FAILED cancelled, got %s (%s)", got.Status, got.FailureReason)
	}
	if err := <-done; !errors.Is(err, models.ErrCancelled) {
		t.Errorf("Expected run to end with ErrCancelled, got %v", err)
	}

	if n := env.index.Len(models.ModalityText); n != 0 {
		t.Errorf("Expected no text vectors, got %d", n)
	}
	if n := env.index.Len(models.ModalityImage); n != 0 {
		t.Errorf("Expected no image vectors, got %d", n)
	}
	if subs, frames := env.counts(t, video.ID); subs != 0 || frames != 0 {
		t.Errorf("Expected no artifacts, got %d subtitles and %d frames", subs, frames)
	}

	if res, err := engine.Text(ctx, "hello world", 10); err != nil || len(res.Results) != 0 {
		t.Errorf("Expected no text hits, got %v (%v)", res, err)
	}
	if res, err := engine.ImageByText(ctx, "a frame", 10); err != nil || len(res.Results) != 0 {
		t.Errorf("Expected no image hits, got %v (%v)", res, err)
	}
}

func TestRunner_CheckpointFailureFailsVideo(t *testing.T) {
	env := newTestEnv(t)
	env.stages.failOn = StageTranscribe
	video := env.upload(t)
	ctx := context.Background()
	env.queue.Dequeue(ctx)

	if err := env.runner.Run(ctx, video.ID); err == nil {
		t.Fatal("Expected run to fail")
	}

	got := env.get(t, video.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("Expected FAILED, got %s", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, StageTranscribe+": checkpoint: ") {
		t.Errorf("Expected reason to name the checkpoint, got %q", got.FailureReason)
	}
	if env.runner.Active(video.ID) {
		t.Error("Expected run to be released")
	}
	if n, err := env.service.Recover(ctx); err != nil || n != 0 {
		t.Errorf("Expected nothing left to recover, got %d (%v)", n, err)
	}
}
