package sync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
)

// ErrPoolFull is returned when the job queue has no room.
var ErrPoolFull = errors.New("sync job queue is full")

// JobFunc runs one job to completion.
type JobFunc func(ctx context.Context, job *store.SyncJob)

// WorkerPool runs queued sync jobs on a fixed number of workers.
type WorkerPool struct {
	workers []*Worker
	jobChan chan *store.SyncJob
	run     JobFunc
	wg      sync.WaitGroup
}

func NewWorkerPool(size, queueSize int, run JobFunc) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	pool := &WorkerPool{
		workers: make([]*Worker, size),
		jobChan: make(chan *store.SyncJob, queueSize),
		run:     run,
	}
	for i := 0; i < size; i++ {
		pool.workers[i] = newWorker(i, pool)
	}
	return pool
}

// Submit queues job without blocking.
func (p *WorkerPool) Submit(job *store.SyncJob) error {
	select {
	case p.jobChan <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Serve runs the workers until ctx is cancelled. Jobs still queued then
// stay queued in the store and are picked up by recovery.
func (p *WorkerPool) Serve(ctx context.Context) error {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run(ctx)
	}
	<-ctx.Done()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
	return ctx.Err()
}

func (p *WorkerPool) String() string { return "sync-worker-pool" }

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	for {
		select {
		case job := <-w.pool.jobChan:
			logger.Log.Debug("Worker picked up job",
				zap.Int("workerID", w.id),
				zap.String("job_id", job.ID),
				zap.String("entity_type", string(job.EntityType)),
			)
			w.pool.run(ctx, job)

		case <-ctx.Done():
			return
		}
	}
}
