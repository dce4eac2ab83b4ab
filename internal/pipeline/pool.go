package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
)

// Pool runs a fixed number of workers that pull ids from a queue and hand
// them to the runner.
type Pool struct {
	queue   Queue
	runner  *Runner
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewPool(queue Queue, runner *Runner, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: queue, runner: runner, workers: workers, logger: logger}
}

// Start launches the workers; they stop when ctx ends or the queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", worker)

	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				logger.Debug("worker stopped")
				return
			}
			logger.Error("failed to dequeue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		err = p.runner.Run(ctx, id)
		switch {
		case err == nil, errors.Is(err, models.ErrCancelled):
		case errors.Is(err, models.ErrAlreadyInProgress):
			logger.Debug("video already owned by another run", "video_id", id)
		case ctx.Err() != nil:
			return
		default:
			logger.Warn("run ended with error", "video_id", id, "error", err)
		}
	}
}
