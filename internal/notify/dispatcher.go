package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/push"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// Dispatcher fans a question event out to an over-sampled, rate-limited set
// of subscribers. It holds no lock: duplicate concurrent runs for the same
// question are tolerated under the best-effort delivery contract.
type Dispatcher struct {
	questions repository.QuestionRepo
	subs      repository.SubscriptionRepo
	gateway   push.Gateway
	logger    *slog.Logger
	clock     func() time.Time

	// overNotifyFactor compensates for unreliable human follow-through
	overNotifyFactor int
}

func NewDispatcher(qr repository.QuestionRepo, sr repository.SubscriptionRepo, gw push.Gateway, logger *slog.Logger, clock func() time.Time, overNotifyFactor int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if overNotifyFactor <= 0 {
		overNotifyFactor = 3
	}
	return &Dispatcher{
		questions:        qr,
		subs:             sr,
		gateway:          gw,
		logger:           logger,
		clock:            clock,
		overNotifyFactor: overNotifyFactor,
	}
}

// Dispatch notifies up to (deficit x factor) eligible subscribers about the
// question. Delivery failures are not re-queued here: transient retries are
// the gateway client's job, and a permanent failure deactivates the
// subscription. A store error is returned so the job queue can retry the
// whole run.
func (d *Dispatcher) Dispatch(ctx context.Context, questionID string) error {
	q, err := d.questions.GetQuestion(ctx, questionID)
	if err != nil {
		if errors.Is(err, models.ErrQuestionNotFound) {
			// question swept away; nothing to notify about
			return nil
		}
		return fmt.Errorf("dispatch %s: %w", questionID, err)
	}

	now := d.clock()
	if !q.AcceptsResponses(now) {
		return nil
	}

	target := q.ResponsesNeeded() * d.overNotifyFactor
	if target == 0 {
		return nil
	}

	eligible, err := d.subs.EligibleSubscriptions(ctx, now)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", questionID, err)
	}
	if len(eligible) == 0 {
		return nil
	}

	// uniform sample without replacement
	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	if target < len(eligible) {
		eligible = eligible[:target]
	}

	n := push.Notification{
		Title:      "A question needs your answer",
		Body:       q.Prompt,
		QuestionID: q.QuestionID,
	}

	var delivered, deactivated int
	for _, sub := range eligible {
		result, err := d.gateway.Send(ctx, sub.Token, n)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		if result == push.PermanentFailure {
			if derr := d.subs.Deactivate(ctx, sub.SubscriptionID); derr != nil {
				d.logger.Error("deactivate subscription", slog.String("subscription_id", sub.SubscriptionID), slog.Any("err", derr))
			}
			deactivated++
			continue
		}

		// touch last_notified_at even on failure so the per-subscriber
		// rate limit holds
		if terr := d.subs.TouchLastNotified(ctx, sub.SubscriptionID, now); terr != nil {
			d.logger.Error("touch last_notified_at", slog.String("subscription_id", sub.SubscriptionID), slog.Any("err", terr))
		}
		if result == push.Delivered {
			delivered++
		}
	}

	d.logger.Info("dispatched notifications",
		slog.String("question_id", q.QuestionID),
		slog.Int("sampled", len(eligible)),
		slog.Int("delivered", delivered),
		slog.Int("deactivated", deactivated),
	)

	return nil
}
