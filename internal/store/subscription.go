package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
)

func (s *Store) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}

	// re-registering an existing token reactivates it in place
	_, err := s.conn.Exec(ctx, `INSERT INTO subscriptions
		(subscription_id, token, active, min_interval_seconds, last_notified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET active = 1, min_interval_seconds = excluded.min_interval_seconds`,
		sub.SubscriptionID, sub.Token, boolToInt(sub.Active), sub.MinInterval,
		toNullMillis(sub.LastNotifiedAt), toMillis(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *Store) EligibleSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	rows, err := s.conn.QueryRows(ctx, `SELECT subscription_id, token, active, min_interval_seconds, last_notified_at, created_at
		FROM subscriptions
		WHERE active = 1 AND (last_notified_at IS NULL OR last_notified_at <= ? - min_interval_seconds * 1000)`,
		toMillis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		var sub models.Subscription
		var active int
		var lastNotified sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&sub.SubscriptionID, &sub.Token, &active, &sub.MinInterval, &lastNotified, &createdAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		sub.LastNotifiedAt = fromNullMillis(lastNotified)
		sub.CreatedAt = fromMillis(createdAt)
		out = append(out, sub)
	}

	return out, rows.Err()
}

func (s *Store) TouchLastNotified(ctx context.Context, subscriptionID string, now time.Time) error {
	_, err := s.conn.Exec(ctx, `UPDATE subscriptions SET last_notified_at = ? WHERE subscription_id = ?`,
		toMillis(now), subscriptionID)
	if err != nil {
		return fmt.Errorf("touch last_notified_at: %w", err)
	}
	return nil
}

func (s *Store) Deactivate(ctx context.Context, subscriptionID string) error {
	_, err := s.conn.Exec(ctx, `UPDATE subscriptions SET active = 0 WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}
