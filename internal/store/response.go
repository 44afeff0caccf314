package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/garnizeh/askhuman/pkg/models"
)

func (s *Store) InsertResponse(ctx context.Context, r *models.Response) error {
	if r == nil {
		return fmt.Errorf("response is nil")
	}

	res, err := s.conn.Exec(ctx, `INSERT INTO responses
		(response_id, question_id, answer, selected_option, confidence, fingerprint, elapsed_ms, suspect, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(question_id, fingerprint) DO NOTHING`,
		r.ResponseID, r.QuestionID, nullStringPtr(r.Answer), nullIntPtr(r.SelectedOption),
		nullIntPtr(r.Confidence), r.Fingerprint, r.ElapsedMS, boolToInt(r.Suspect),
		boolToInt(r.Accepted), toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	if n == 0 {
		return models.ErrDuplicateResponse
	}
	return nil
}

func (s *Store) MarkResponseRejected(ctx context.Context, responseID string) error {
	_, err := s.conn.Exec(ctx, `UPDATE responses SET accepted = 0 WHERE response_id = ?`, responseID)
	if err != nil {
		return fmt.Errorf("mark response rejected: %w", err)
	}
	return nil
}

func (s *Store) ListAcceptedResponses(ctx context.Context, questionID string) ([]models.Response, error) {
	rows, err := s.conn.QueryRows(ctx, `SELECT response_id, question_id, answer, selected_option, confidence, fingerprint, elapsed_ms, suspect, accepted, created_at
		FROM responses WHERE question_id = ? AND accepted = 1 ORDER BY created_at ASC`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Response
	for rows.Next() {
		var r models.Response
		var answer sql.NullString
		var selected, confidence sql.NullInt64
		var suspect, accepted int
		var createdAt int64
		if err := rows.Scan(&r.ResponseID, &r.QuestionID, &answer, &selected, &confidence,
			&r.Fingerprint, &r.ElapsedMS, &suspect, &accepted, &createdAt); err != nil {
			return nil, err
		}
		if answer.Valid {
			a := answer.String
			r.Answer = &a
		}
		if selected.Valid {
			v := int(selected.Int64)
			r.SelectedOption = &v
		}
		if confidence.Valid {
			v := int(confidence.Int64)
			r.Confidence = &v
		}
		r.Suspect = suspect == 1
		r.Accepted = accepted == 1
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *Store) AnsweredQuestionIDs(ctx context.Context, fingerprint string) (map[string]bool, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return map[string]bool{}, nil
	}

	rows, err := s.conn.QueryRows(ctx, `SELECT question_id FROM responses WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}

	return out, rows.Err()
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
