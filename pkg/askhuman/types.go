package askhuman

import "time"

// Question status values as reported by the API.
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

// QuestionRequest is the body for submitting a question.
type QuestionRequest struct {
	Prompt         string   `json:"prompt"`
	Type           string   `json:"type"`
	Options        []string `json:"options,omitempty"`
	Audience       []string `json:"audience,omitempty"`
	MinResponses   int      `json:"min_responses,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// QuestionSubmission is returned by SubmitQuestion.
type QuestionSubmission struct {
	QuestionID string    `json:"question_id"`
	Status     string    `json:"status"`
	PollURL    string    `json:"poll_url"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// HumanResponse is one human's answer. For text questions Answer is set;
// for multiple choice SelectedOption holds the 0-based option index.
type HumanResponse struct {
	Answer         *string `json:"answer,omitempty"`
	SelectedOption *int    `json:"selected_option,omitempty"`
	Confidence     *int    `json:"confidence,omitempty"`
}

// Question is the full polling view of a question.
type Question struct {
	QuestionID        string          `json:"question_id"`
	Status            string          `json:"status"`
	Prompt            string          `json:"prompt"`
	Type              string          `json:"type"`
	Options           []string        `json:"options,omitempty"`
	RequiredResponses int             `json:"required_responses"`
	CurrentResponses  int             `json:"current_responses"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Responses         []HumanResponse `json:"responses"`
	Summary           map[string]int  `json:"summary,omitempty"`
}

// Done reports whether polling for this question can stop: it is terminal
// or has collected at least minResponses.
func (q *Question) Done(minResponses int) bool {
	if q.Status == StatusClosed || q.Status == StatusExpired {
		return true
	}
	return q.CurrentResponses >= minResponses
}
