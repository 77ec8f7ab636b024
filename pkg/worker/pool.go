package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
)

// ErrStopped is returned when submitting to a pool that was shut down
var ErrStopped = errors.New("worker pool stopped")

// Job is the conditional write batch of one player
type Job struct {
	Player stats.PlayerID
	Writes []stats.Write
}

// Result is the outcome of a Job
type Result struct {
	Job     Job
	Results []stats.Result
	Err     error
	Elapsed time.Duration
}

type task struct {
	ctx  context.Context
	job  Job
	done chan<- Result
}

// WorkerPool applies player batches to the store with bounded concurrency
type WorkerPool struct {
	logger     *logger.Logger
	store      store.Store
	numWorkers int
	inputChan  chan task
	wg         sync.WaitGroup
	mu         sync.RWMutex
	stopped    bool
}

// NewWorkerPool creates a new WorkerPool instance
func NewWorkerPool(l *logger.Logger, s store.Store, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		logger:     l,
		store:      s,
		numWorkers: numWorkers,
		inputChan:  make(chan task, numWorkers*2), // Buffered for smooth handoff
	}
}

// Start initializes the worker goroutines
func (p *WorkerPool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Submit queues a job; its result is sent on done
func (p *WorkerPool) Submit(ctx context.Context, job Job, done chan<- Result) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.inputChan <- task{ctx: ctx, job: job, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyAll runs every job and waits for all results. Jobs that could not be
// submitted come back with the submission error.
func (p *WorkerPool) ApplyAll(ctx context.Context, jobs []Job) []Result {
	done := make(chan Result, len(jobs))
	submitted := 0
	var out []Result
	for _, job := range jobs {
		if err := p.Submit(ctx, job, done); err != nil {
			out = append(out, Result{Job: job, Err: err})
			continue
		}
		submitted++
	}
	for i := 0; i < submitted; i++ {
		out = append(out, <-done)
	}
	return out
}

func (p *WorkerPool) runWorker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for t := range p.inputChan {
		t.done <- p.apply(t.ctx, t.job)
	}
}

func (p *WorkerPool) apply(ctx context.Context, job Job) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Err: err}
	}

	results, err := p.store.ApplyBatch(ctx, job.Player, job.Writes)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Debug("player batch failed",
			zap.String("player", job.Player.String()),
			zap.Int("writes", len(job.Writes)),
			zap.Error(err))
		return Result{Job: job, Err: err, Elapsed: elapsed}
	}

	for _, r := range results {
		metrics.FlushWritesTotal.WithLabelValues(r.Outcome.String()).Inc()
	}
	return Result{Job: job, Results: results, Elapsed: elapsed}
}

// Shutdown stops accepting jobs and waits for workers to drain the queue
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.inputChan)
	}
	p.mu.Unlock()

	// Wait for workers to finish queued work
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
