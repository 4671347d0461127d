package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
)

// JobProcessor executes one job to completion.
type JobProcessor interface {
	Run(ctx context.Context, job *domain.Job)
}

// Runner is a bounded worker pool in front of a JobProcessor. Submit never
// blocks; a saturated queue is reported as domain.ErrQueueFull.
type Runner struct {
	processor JobProcessor
	ch        chan *domain.Job
	workers   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

var errRunnerClosed = errors.New("job runner is shut down")

// NewRunner creates a runner with the given worker count and queue size.
func NewRunner(p JobProcessor, workers, queueSize int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Runner{
		processor: p,
		ch:        make(chan *domain.Job, queueSize),
		workers:   workers,
	}
}

// Start launches the workers. Jobs inherit ctx values (such as the logger)
// but are cancelled only by Shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.started = true
}

func (r *Runner) worker(idx int) {
	defer r.wg.Done()
	ctx := logger.WithField(r.ctx, "worker", idx)
	for job := range r.ch {
		r.processor.Run(ctx, job)
	}
}

// Submit hands a job to an idle worker or the queue.
func (r *Runner) Submit(job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.closed {
		return errRunnerClosed
	}

	// with an unbuffered channel the send succeeds only if a worker is idle
	select {
	case r.ch <- job:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running jobs up to grace,
// then cancels their context and waits for them to record the outcome.
func (r *Runner) Shutdown(grace time.Duration) {
	r.mu.Lock()
	if !r.started || r.closed {
		r.closed = true
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			r.cancel()
			return
		case <-timer.C:
			logger.CtxWarn(r.ctx, "Shutdown grace period elapsed, cancelling running jobs")
		}
	}
	r.cancel()
	<-done
}
