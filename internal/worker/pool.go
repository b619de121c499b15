package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polycopy/internal/database"
)

// JobQueue is the queue surface the pool drains.
type JobQueue interface {
	Reserve(workerID string) (*database.Job, error)
	Ack(job *database.Job) error
	Nack(job *database.Job, permanent bool) error
}

// Pool runs a fixed set of workers over the queue. Stop is graceful: each
// worker finishes the job it holds before exiting.
type Pool struct {
	queue    JobQueue
	executor *Executor

	concurrency int
	idlePoll    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(queue JobQueue, executor *Executor, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		queue:       queue,
		executor:    executor,
		concurrency: concurrency,
		idlePoll:    time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		id := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, id)
		}()
	}
	log.Info().Int("workers", p.concurrency).Msg("⚙️ Worker pool started")
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id string) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Reserve(id)
		if err != nil {
			log.Error().Err(err).Str("worker", id).Msg("Reserve failed")
			p.sleep(ctx, p.idlePoll)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.idlePoll)
			continue
		}

		switch p.executor.Process(ctx, job.IntentID) {
		case Done:
			if err := p.queue.Ack(job); err != nil {
				log.Error().Err(err).Str("intent", job.IntentID).Msg("Ack failed")
			}
		case Retry:
			if err := p.queue.Nack(job, false); err != nil {
				log.Error().Err(err).Str("intent", job.IntentID).Msg("Nack failed")
			}
		case Abandon:
			if err := p.queue.Nack(job, true); err != nil {
				log.Error().Err(err).Str("intent", job.IntentID).Msg("Dead-letter failed")
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-p.stopCh:
	case <-ctx.Done():
	case <-time.After(d):
	}
}
