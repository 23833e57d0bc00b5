package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// queue has no free slot.
	ErrQueueFull = errors.New("work queue full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("work pool stopped")
)

// Job is a unit of work. The context is cancelled when the pool stops.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of worker goroutines.
type Pool struct {
	name    string
	workers int
	jobs    chan Job
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool with the given number of workers and queue slots.
// Workers default to 1 if workers <= 0.
func New(name string, workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:    name,
		workers: workers,
		jobs:    make(chan Job, queue),
		logger:  logger.With("pool", name),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the worker goroutines. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("work pool started", "workers", p.workers, "queue", cap(p.jobs))
}

// Submit hands a job to the pool without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running jobs, drops queued ones, and waits for the workers
// to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cancel()
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("work pool stopped")
}

// worker runs jobs until the queue is closed.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-p.ctx.Done():
			// Pool is stopping, drain without running
			continue
		default:
		}
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "worker", id, "panic", r)
		}
	}()
	job(p.ctx)
}
