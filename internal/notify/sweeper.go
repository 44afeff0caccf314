package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// Sweeper periodically enqueues sweep dispatch jobs for questions that are
// still collecting responses. Duplicate sweeps are harmless: eligibility is
// re-checked at dispatch time and the per-subscriber interval caps
// renotification.
type Sweeper struct {
	questions   repository.QuestionRepo
	jobs        repository.NotifyJobRepo
	logger      *slog.Logger
	clock       func() time.Time
	interval    time.Duration
	maxAttempts int

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSweeper(qr repository.QuestionRepo, jobs repository.NotifyJobRepo, logger *slog.Logger, clock func() time.Time, interval time.Duration, maxAttempts int) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Sweeper{
		questions:   qr,
		jobs:        jobs,
		logger:      logger,
		clock:       clock,
		interval:    interval,
		maxAttempts: maxAttempts,
		stop:        make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock()
	questions, err := s.questions.ListOpenQuestions(ctx, now, 100)
	if err != nil {
		s.logger.Error("sweep list questions", "err", err)
		return
	}

	for _, q := range questions {
		if q.ResponsesNeeded() == 0 {
			continue
		}
		if _, err := s.jobs.EnqueueNotify(ctx, q.QuestionID, models.NotifyKindSweep, now, s.maxAttempts); err != nil {
			s.logger.Error("sweep enqueue", "question_id", q.QuestionID, "err", err)
		}
	}

	s.logger.Info("sweep pass complete", "open_questions", len(questions))
}
