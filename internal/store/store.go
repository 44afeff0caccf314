package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/garnizeh/askhuman/internal/db"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// Store implements the repository interfaces on sqlite. Every coordination
// point is expressed as a conditional write: the UPDATE/INSERT predicates
// are the only synchronization primitive, so correctness does not depend on
// how many server instances run.
type Store struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure Store implements the public interfaces.
var _ repository.QuestionRepo = (*Store)(nil)
var _ repository.ResponseRepo = (*Store)(nil)
var _ repository.SubscriptionRepo = (*Store)(nil)
var _ repository.NotifyJobRepo = (*Store)(nil)

func New(conn *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{conn: conn, logger: logger}
}

// timestamps are stored as unix milliseconds

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeStrings(ss []string) sql.NullString {
	if len(ss) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(ss)
	return sql.NullString{String: string(b), Valid: true}
}

func decodeStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(v.String), &ss); err != nil {
		return nil
	}
	return ss
}
