package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
)

func (s *Store) InsertQuestion(ctx context.Context, q *models.Question) error {
	if q == nil {
		return fmt.Errorf("question is nil")
	}

	_, err := s.conn.Exec(ctx, `INSERT INTO questions
		(question_id, prompt, qtype, options_json, audience_json, required_responses, current_responses, status, agent_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuestionID, q.Prompt, q.Type, encodeStrings(q.Options), encodeStrings(q.Audience),
		q.RequiredResponses, q.CurrentResponses, q.Status, nullString(q.AgentID),
		toMillis(q.CreatedAt), toMillis(q.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

func (s *Store) InsertQuestionIdempotent(ctx context.Context, q *models.Question, idemKey string, now time.Time) (*models.Question, bool, error) {
	if q == nil {
		return nil, false, fmt.Errorf("question is nil")
	}

	// reserve the (agent, key) pair; the insert itself is the race arbiter
	res, err := s.conn.Exec(ctx, `INSERT INTO idempotency_keys (agent_id, idem_key, question_id, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(agent_id, idem_key) DO NOTHING`,
		q.AgentID, idemKey, q.QuestionID, toMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if n == 1 {
		if err := s.InsertQuestion(ctx, q); err != nil {
			// don't leave the key pointing at a question that never landed;
			// a replay within the window must be able to retry creation
			s.releaseIdempotencyKey(ctx, q.AgentID, idemKey, q.QuestionID)
			return nil, false, err
		}
		return q, true, nil
	}

	var existingID string
	var reservedAt int64
	row := s.conn.QueryRow(ctx, `SELECT question_id, created_at FROM idempotency_keys WHERE agent_id = ? AND idem_key = ?`, q.AgentID, idemKey)
	if err := row.Scan(&existingID, &reservedAt); err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}

	cutoff := toMillis(now.Add(-models.IdempotencyKeyWindow))
	if reservedAt > cutoff {
		existing, err := s.GetQuestion(ctx, existingID)
		if err != nil {
			return nil, false, fmt.Errorf("load idempotent question %s: %w", existingID, err)
		}
		return existing, false, nil
	}

	// the prior reservation aged out; repoint it conditionally so only one
	// of the racing creators wins
	res, err = s.conn.Exec(ctx, `UPDATE idempotency_keys SET question_id = ?, created_at = ?
		WHERE agent_id = ? AND idem_key = ? AND created_at <= ?`,
		q.QuestionID, toMillis(now), q.AgentID, idemKey, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("repoint idempotency key: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("repoint idempotency key: %w", err)
	}
	if n == 1 {
		if err := s.InsertQuestion(ctx, q); err != nil {
			s.releaseIdempotencyKey(ctx, q.AgentID, idemKey, q.QuestionID)
			return nil, false, err
		}
		return q, true, nil
	}

	// another creator repointed first; hand back its question
	row = s.conn.QueryRow(ctx, `SELECT question_id FROM idempotency_keys WHERE agent_id = ? AND idem_key = ?`, q.AgentID, idemKey)
	if err := row.Scan(&existingID); err != nil {
		return nil, false, fmt.Errorf("re-read idempotency key: %w", err)
	}
	existing, err := s.GetQuestion(ctx, existingID)
	if err != nil {
		return nil, false, fmt.Errorf("load idempotent question %s: %w", existingID, err)
	}
	return existing, false, nil
}

// releaseIdempotencyKey frees a reservation whose question insert failed.
// The predicate includes question_id so only our own reservation can be
// deleted, never one a racing creator repointed in the meantime.
func (s *Store) releaseIdempotencyKey(ctx context.Context, agentID, idemKey, questionID string) {
	if _, err := s.conn.Exec(ctx, `DELETE FROM idempotency_keys
		WHERE agent_id = ? AND idem_key = ? AND question_id = ?`,
		agentID, idemKey, questionID); err != nil {
		s.logger.Error("release idempotency key", "agent_id", agentID, "err", err)
	}
}

const questionColumns = `question_id, prompt, qtype, options_json, audience_json, required_responses, current_responses, status, agent_id, created_at, expires_at, closed_at`

func (s *Store) GetQuestion(ctx context.Context, questionID string) (*models.Question, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE question_id = ?`, questionID)
	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrQuestionNotFound
		}
		return nil, err
	}
	return q, nil
}

func (s *Store) ListOpenQuestions(ctx context.Context, now time.Time, limit int) ([]models.Question, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.conn.QueryRows(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE status IN (?, ?) AND expires_at > ? ORDER BY created_at DESC LIMIT ?`,
		models.StatusOpen, models.StatusPartial, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}

	return out, rows.Err()
}

// ConditionalIncrement is the single synchronization point of the question
// lifecycle. The UPDATE predicate rejects every writer beyond the response
// threshold or past expiry, and RETURNING hands the accepting writer its
// post-increment count atomically.
func (s *Store) ConditionalIncrement(ctx context.Context, questionID string, now time.Time) (int, int, error) {
	row := s.conn.QueryRow(ctx, `UPDATE questions SET current_responses = current_responses + 1
		WHERE question_id = ? AND status != ? AND current_responses < required_responses AND expires_at > ?
		RETURNING current_responses, required_responses`,
		questionID, models.StatusClosed, toMillis(now))

	var newCount, required int
	err := row.Scan(&newCount, &required)
	if err == nil {
		return newCount, required, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("conditional increment: %w", err)
	}

	// rejected: classify why without retrying
	q, getErr := s.GetQuestion(ctx, questionID)
	if getErr != nil {
		return 0, 0, getErr
	}
	if q.Status == models.StatusClosed || q.CurrentResponses >= q.RequiredResponses {
		return 0, 0, models.ErrQuestionClosed
	}
	if !now.Before(q.ExpiresAt) {
		return 0, 0, models.ErrQuestionExpired
	}
	// the row changed between the update and the re-read; the question is
	// no longer accepting this writer either way
	return 0, 0, models.ErrQuestionClosed
}

// CommitStatus applies the status derived from a successful increment. Both
// writes are conditional so concurrent writers deriving the same status are
// idempotent and the lifecycle never regresses.
func (s *Store) CommitStatus(ctx context.Context, questionID, status string, at time.Time) error {
	switch status {
	case models.StatusClosed:
		_, err := s.conn.Exec(ctx, `UPDATE questions SET status = ?, closed_at = ?
			WHERE question_id = ? AND status != ?`,
			models.StatusClosed, toMillis(at), questionID, models.StatusClosed)
		if err != nil {
			return fmt.Errorf("commit CLOSED: %w", err)
		}
		return nil
	case models.StatusPartial:
		_, err := s.conn.Exec(ctx, `UPDATE questions SET status = ?
			WHERE question_id = ? AND status = ?`,
			models.StatusPartial, questionID, models.StatusOpen)
		if err != nil {
			return fmt.Errorf("commit PARTIAL: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("commit status %q: not a derivable transition", status)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*models.Question, error) {
	var q models.Question
	var options, audience, agentID sql.NullString
	var createdAt, expiresAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(&q.QuestionID, &q.Prompt, &q.Type, &options, &audience,
		&q.RequiredResponses, &q.CurrentResponses, &q.Status, &agentID,
		&createdAt, &expiresAt, &closedAt); err != nil {
		return nil, err
	}

	q.Options = decodeStrings(options)
	q.Audience = decodeStrings(audience)
	q.AgentID = agentID.String
	q.CreatedAt = fromMillis(createdAt)
	q.ExpiresAt = fromMillis(expiresAt)
	q.ClosedAt = fromNullMillis(closedAt)
	return &q, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
