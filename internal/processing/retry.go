package processing

import (
	"context"
	"time"

	"github.com/kdimtricp/vsearch/internal/models"
)

// Runner executes a unit of work, possibly more than once.
type Runner interface {
	Run(ctx context.Context, process func(ctx context.Context) error) error
}

// Retrier re-runs work that fails with a transient error, waiting an
// exponentially growing delay between attempts. Any other error, or the
// last transient one, is returned as is.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before each wait; attempt counts from 1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func NewRetrier(maxAttempts int, baseDelay time.Duration) *Retrier {
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    10 * time.Second,
	}
}

func (r *Retrier) Run(ctx context.Context, process func(ctx context.Context) error) error {
	attempts := max(r.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = process(ctx)
		if err == nil || !models.IsTransient(err) || attempt == attempts {
			return err
		}

		delay := r.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Backoff returns the wait after the given failed attempt.
func (r *Retrier) Backoff(attempt int) time.Duration {
	if r.BaseDelay <= 0 {
		return 0
	}
	d := r.BaseDelay << (attempt - 1)
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		d = r.MaxDelay
	}
	return d
}
