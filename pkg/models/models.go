package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Question status values. EXPIRED is derived from expires_at at read time;
// the stored status of an expired question may still read OPEN or PARTIAL.
const (
	StatusOpen    = "OPEN"
	StatusPartial = "PARTIAL"
	StatusClosed  = "CLOSED"
	StatusExpired = "EXPIRED"
)

// Question types.
const (
	TypeText           = "text"
	TypeMultipleChoice = "multiple_choice"
)

// Validation limits for questions and responses.
const (
	DefaultMinResponses  = 5
	MaxMinResponses      = 50
	DefaultTimeoutSecs   = 3600
	MinTimeoutSecs       = 60
	MaxTimeoutSecs       = 86400
	MaxPromptLength      = 2000
	MaxAnswerLength      = 5000
	MinOptions           = 2
	MaxOptions           = 10
	IdempotencyKeyWindow = 24 * time.Hour
)

type Question struct {
	QuestionID        string     `json:"question_id" db:"question_id"`
	Prompt            string     `json:"prompt" db:"prompt"`
	Type              string     `json:"type" db:"qtype"`
	Options           []string   `json:"options,omitempty" db:"options_json"`
	Audience          []string   `json:"audience,omitempty" db:"audience_json"`
	RequiredResponses int        `json:"required_responses" db:"required_responses"`
	CurrentResponses  int        `json:"current_responses" db:"current_responses"`
	Status            string     `json:"status" db:"status"`
	AgentID           string     `json:"agent_id,omitempty" db:"agent_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// EffectiveStatus resolves the read-time status of the question: any
// non-CLOSED question past its expiry reads as EXPIRED regardless of the
// stored status field.
func (q *Question) EffectiveStatus(now time.Time) string {
	if q.Status != StatusClosed && !now.Before(q.ExpiresAt) {
		return StatusExpired
	}
	return q.Status
}

// AcceptsResponses reports whether a submission at now can still be
// recorded. This is the optimistic pre-check; the authoritative gate is the
// store's conditional increment.
func (q *Question) AcceptsResponses(now time.Time) bool {
	s := q.EffectiveStatus(now)
	return s == StatusOpen || s == StatusPartial
}

// ResponsesNeeded is the outstanding deficit shown to humans.
func (q *Question) ResponsesNeeded() int {
	if n := q.RequiredResponses - q.CurrentResponses; n > 0 {
		return n
	}
	return 0
}

type Response struct {
	ResponseID     string    `json:"response_id" db:"response_id"`
	QuestionID     string    `json:"question_id" db:"question_id"`
	Answer         *string   `json:"answer,omitempty" db:"answer"`
	SelectedOption *int      `json:"selected_option,omitempty" db:"selected_option"`
	Confidence     *int      `json:"confidence,omitempty" db:"confidence"`
	Fingerprint    string    `json:"-" db:"fingerprint"`
	ElapsedMS      int64     `json:"-" db:"elapsed_ms"`
	Suspect        bool      `json:"-" db:"suspect"`
	Accepted       bool      `json:"-" db:"accepted"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Subscription struct {
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	Token          string     `json:"-" db:"token"`
	Active         bool       `json:"active" db:"active"`
	MinInterval    int64      `json:"min_interval_seconds" db:"min_interval_seconds"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty" db:"last_notified_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Notification job kinds and statuses for the dispatch queue.
const (
	NotifyKindCreate  = "create"
	NotifyKindCatchup = "catchup"
	NotifyKindSweep   = "sweep"

	NotifyStatusPending = "pending"
	NotifyStatusRunning = "running"
	NotifyStatusRetry   = "retry"
	NotifyStatusDone    = "done"
	NotifyStatusFailed  = "failed"
)

type NotifyJob struct {
	ID          int64      `json:"id"`
	QuestionID  string     `json:"question_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	NextTryAt   *time.Time `json:"next_try_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
}

// NewQuestionID generates a unique question ID with q_ prefix.
func NewQuestionID() string {
	return "q_" + shortID()
}

// NewResponseID generates a unique response ID with r_ prefix.
func NewResponseID() string {
	return "r_" + shortID()
}

// NewSubscriptionID generates a unique subscription ID with s_ prefix.
func NewSubscriptionID() string {
	return "s_" + shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
