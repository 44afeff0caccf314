package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// Queue schedules dispatch runs through the notify_jobs table. It is the
// lifecycle service's Notifier: creation triggers an immediate run plus a
// catch-up run after a fixed delay for questions still short of responses.
type Queue struct {
	jobs         repository.NotifyJobRepo
	clock        func() time.Time
	catchupDelay time.Duration
	maxAttempts  int
}

func NewQueue(jobs repository.NotifyJobRepo, clock func() time.Time, catchupDelay time.Duration, maxAttempts int) *Queue {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if catchupDelay <= 0 {
		catchupDelay = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{jobs: jobs, clock: clock, catchupDelay: catchupDelay, maxAttempts: maxAttempts}
}

func (q *Queue) QuestionCreated(ctx context.Context, question *models.Question) error {
	now := q.clock()
	if _, err := q.jobs.EnqueueNotify(ctx, question.QuestionID, models.NotifyKindCreate, now, q.maxAttempts); err != nil {
		return fmt.Errorf("enqueue create notify: %w", err)
	}

	catchupAt := now.Add(q.catchupDelay)
	if catchupAt.After(question.ExpiresAt) {
		// no point nudging subscribers about a question that will already
		// be expired
		return nil
	}
	if _, err := q.jobs.EnqueueNotify(ctx, question.QuestionID, models.NotifyKindCatchup, catchupAt, q.maxAttempts); err != nil {
		return fmt.Errorf("enqueue catchup notify: %w", err)
	}
	return nil
}
