package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// WorkerPool drains the notify_jobs queue. Jobs are claimed with a
// conditional status update, so any number of workers (or server instances)
// can run concurrently without double-claiming.
type WorkerPool struct {
	jobs        repository.NotifyJobRepo
	dispatcher  *Dispatcher
	logger      *slog.Logger
	clock       func() time.Time
	workerCount int
	stop        chan struct{}
	wg          sync.WaitGroup
}

func NewWorkerPool(jobs repository.NotifyJobRepo, dispatcher *Dispatcher, logger *slog.Logger, clock func() time.Time, workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &WorkerPool{
		jobs:        jobs,
		dispatcher:  dispatcher,
		logger:      logger,
		clock:       clock,
		workerCount: workerCount,
		stop:        make(chan struct{}),
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals workers to stop and waits for them
func (p *WorkerPool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Info("notify worker stopping", "id", id)
			return
		case <-ctx.Done():
			p.logger.Info("context canceled, notify worker exiting", "id", id)
			return
		default:
			job, err := p.jobs.ClaimNextNotify(ctx, p.clock())
			if err != nil {
				p.logger.Error("claim notify job", "err", err)
				p.sleep(time.Second)
				continue
			}
			if job == nil {
				// nothing to do
				p.sleep(500 * time.Millisecond)
				continue
			}

			err = p.dispatcher.Dispatch(ctx, job.QuestionID)
			now := p.clock()
			job.Updated = now
			if err == nil {
				job.Status = models.NotifyStatusDone
				if upErr := p.jobs.UpdateNotifyJob(ctx, job); upErr != nil {
					p.logger.Error("update notify job", "err", upErr)
				}
				continue
			}

			job.Attempts++
			job.LastError = err.Error()
			if job.Attempts >= job.MaxAttempts {
				job.Status = models.NotifyStatusFailed
				if upErr := p.jobs.UpdateNotifyJob(ctx, job); upErr != nil {
					p.logger.Error("dead-letter notify job", "err", upErr)
				}
				continue
			}

			// schedule retry with backoff
			t := now.Add(BackoffDuration(job.Attempts))
			job.NextTryAt = &t
			job.Status = models.NotifyStatusRetry
			if upErr := p.jobs.UpdateNotifyJob(ctx, job); upErr != nil {
				p.logger.Error("update notify job for retry", "err", upErr)
			}
		}
	}
}

func (p *WorkerPool) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}

// BackoffDuration returns exponential backoff duration for attempt n
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	// simple exponential: base 2^attempt seconds, capped
	d := time.Duration(1<<uint(attempt)) * time.Second
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}
