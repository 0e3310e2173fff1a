package dispatcher

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// ErrPoolStopped is returned by Submit after Stop was called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is one unit of work run by the pool.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
// Submit blocks while the queue is full.
type WorkerPool struct {
	workers int
	jobs    chan Job
	metrics *middleware.Metrics
	logger  *logrus.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool with the given worker count and queue capacity
func NewWorkerPool(workers, queueSize int, metrics *middleware.Metrics, logger *logrus.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Job, queueSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Start launches the workers. Jobs receive ctx.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.WithField("workers", p.workers).Info("Worker pool started")
}

// Submit queues a job, blocking while the queue is full. It gives up when ctx
// is cancelled or the pool is stopped.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for queued and running jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.metrics.SetQueueDepth(len(p.jobs))
		p.run(ctx, id, job)
	}
}

// run executes one job. A panic ends the job, never the worker.
func (p *WorkerPool) run(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordWorkerPanic()
			p.logger.WithFields(logrus.Fields{
				"worker": id,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("Worker recovered from panic")
		}
	}()
	job(ctx)
}
