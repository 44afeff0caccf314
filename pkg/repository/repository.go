package repository

import (
	"context"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.
//
// All predicates over time take an explicit `now` so callers can inject a
// clock; the store never reads the wall clock itself.

type QuestionRepo interface {
	// InsertQuestion stores a new question record.
	InsertQuestion(ctx context.Context, q *models.Question) error

	// InsertQuestionIdempotent stores q unless an unexpired idempotency
	// entry for (agent, key) exists, in which case the previously stored
	// question is returned. The reservation is an insert-if-absent, never
	// a read-then-write. The bool result reports whether q was created.
	InsertQuestionIdempotent(ctx context.Context, q *models.Question, idemKey string, now time.Time) (*models.Question, bool, error)

	// GetQuestion returns models.ErrQuestionNotFound for unknown ids.
	GetQuestion(ctx context.Context, questionID string) (*models.Question, error)

	// ListOpenQuestions returns questions whose stored status is OPEN or
	// PARTIAL and whose expiry is still ahead of now, most recent first.
	ListOpenQuestions(ctx context.Context, now time.Time, limit int) ([]models.Question, error)

	// ConditionalIncrement atomically increments current_responses and
	// returns the post-increment count together with required_responses.
	// The increment only applies while current_responses <
	// required_responses, status != CLOSED and now < expires_at; a
	// rejected increment is reported as ErrQuestionClosed,
	// ErrQuestionExpired or ErrQuestionNotFound.
	ConditionalIncrement(ctx context.Context, questionID string, now time.Time) (newCount, required int, err error)

	// CommitStatus writes a derived status. The write is conditional and
	// idempotent: CLOSED is terminal (closed_at set exactly once) and
	// PARTIAL only ever replaces OPEN, so racing writers cannot regress
	// the lifecycle.
	CommitStatus(ctx context.Context, questionID, status string, at time.Time) error
}

type ResponseRepo interface {
	// InsertResponse persists a response; the (question, fingerprint)
	// pair is reserved by the insert itself and a second submission
	// fails with models.ErrDuplicateResponse.
	InsertResponse(ctx context.Context, r *models.Response) error

	// MarkResponseRejected retains a persisted response for audit after
	// its counter increment lost the closing race.
	MarkResponseRejected(ctx context.Context, responseID string) error

	// ListAcceptedResponses returns the accepted responses for a
	// question, oldest first.
	ListAcceptedResponses(ctx context.Context, questionID string) ([]models.Response, error)

	// AnsweredQuestionIDs returns the set of question ids the fingerprint
	// has already answered.
	AnsweredQuestionIDs(ctx context.Context, fingerprint string) (map[string]bool, error)
}

type SubscriptionRepo interface {
	InsertSubscription(ctx context.Context, s *models.Subscription) error

	// EligibleSubscriptions returns active subscriptions whose
	// renotification interval has elapsed by now.
	EligibleSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)

	// TouchLastNotified sets last_notified_at regardless of delivery
	// outcome, enforcing the per-subscriber rate limit.
	TouchLastNotified(ctx context.Context, subscriptionID string, now time.Time) error

	// Deactivate flips the active flag off after a permanent delivery
	// failure.
	Deactivate(ctx context.Context, subscriptionID string) error
}

type NotifyJobRepo interface {
	EnqueueNotify(ctx context.Context, questionID, kind string, scheduledAt time.Time, maxAttempts int) (int64, error)

	// ClaimNextNotify atomically claims the next due job (conditional
	// status update, no lock); nil job means nothing is due.
	ClaimNextNotify(ctx context.Context, now time.Time) (*models.NotifyJob, error)

	UpdateNotifyJob(ctx context.Context, j *models.NotifyJob) error
}
