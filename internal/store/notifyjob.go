package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
)

func (s *Store) EnqueueNotify(ctx context.Context, questionID, kind string, scheduledAt time.Time, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	nowMs := toMillis(scheduledAt)
	res, err := s.conn.Exec(ctx, `INSERT INTO notify_jobs
		(question_id, kind, status, attempts, max_attempts, scheduled_at, created, updated)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		questionID, kind, models.NotifyStatusPending, maxAttempts, nowMs, nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("enqueue notify job: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNextNotify picks the oldest due job and flips it to running in one
// conditional write, so concurrent workers never claim the same job.
func (s *Store) ClaimNextNotify(ctx context.Context, now time.Time) (*models.NotifyJob, error) {
	nowMs := toMillis(now)
	row := s.conn.QueryRow(ctx, `UPDATE notify_jobs SET status = ?, updated = ?
		WHERE id = (
			SELECT id FROM notify_jobs
			WHERE (status = ? AND scheduled_at <= ?) OR (status = ? AND next_try_at <= ?)
			ORDER BY scheduled_at ASC LIMIT 1
		) AND status IN (?, ?)
		RETURNING id, question_id, kind, status, attempts, max_attempts, scheduled_at, next_try_at, last_error, created, updated`,
		models.NotifyStatusRunning, nowMs,
		models.NotifyStatusPending, nowMs, models.NotifyStatusRetry, nowMs,
		models.NotifyStatusPending, models.NotifyStatusRetry)

	j, err := scanNotifyJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim notify job: %w", err)
	}
	return j, nil
}

func (s *Store) UpdateNotifyJob(ctx context.Context, j *models.NotifyJob) error {
	if j == nil {
		return fmt.Errorf("notify job is nil")
	}

	_, err := s.conn.Exec(ctx, `UPDATE notify_jobs
		SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, updated = ?
		WHERE id = ?`,
		j.Status, j.Attempts, toNullMillis(j.NextTryAt), nullString(j.LastError), toMillis(j.Updated), j.ID)
	if err != nil {
		return fmt.Errorf("update notify job: %w", err)
	}
	return nil
}

func scanNotifyJob(row rowScanner) (*models.NotifyJob, error) {
	var j models.NotifyJob
	var nextTry sql.NullInt64
	var lastError sql.NullString
	var scheduledAt, created, updated int64

	if err := row.Scan(&j.ID, &j.QuestionID, &j.Kind, &j.Status, &j.Attempts, &j.MaxAttempts,
		&scheduledAt, &nextTry, &lastError, &created, &updated); err != nil {
		return nil, err
	}

	j.ScheduledAt = fromMillis(scheduledAt)
	j.NextTryAt = fromNullMillis(nextTry)
	j.LastError = lastError.String
	j.Created = fromMillis(created)
	j.Updated = fromMillis(updated)
	return &j, nil
}
