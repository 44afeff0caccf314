package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/gorilla/mux"
)

// QuestionsHandler serves the agent-facing question endpoints.
type QuestionsHandler struct {
	svc *lifecycle.Service
}

func NewQuestionsHandler(svc *lifecycle.Service) *QuestionsHandler {
	return &QuestionsHandler{svc: svc}
}

type createQuestionRequest struct {
	Prompt         string   `json:"prompt"`
	Type           string   `json:"type"`
	Options        []string `json:"options,omitempty"`
	Audience       []string `json:"audience,omitempty"`
	MinResponses   int      `json:"min_responses,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type createQuestionResponse struct {
	QuestionID string    `json:"question_id"`
	Status     string    `json:"status"`
	PollURL    string    `json:"poll_url"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateQuestion handles POST /agent/questions.
func (h *QuestionsHandler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "request body too large or unreadable", nil)
		return
	}

	if details, ok := validateAgainstSchema(r.Context(), createQuestionSchema, body); !ok {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid question", details)
		return
	}

	var req createQuestionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON in request body", nil)
		return
	}

	q, created, err := h.svc.CreateQuestion(r.Context(), lifecycle.CreateInput{
		Prompt:         req.Prompt,
		Type:           req.Type,
		Options:        req.Options,
		Audience:       req.Audience,
		MinResponses:   req.MinResponses,
		TimeoutSeconds: req.TimeoutSeconds,
		AgentID:        agentID(r),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		// idempotent replay returns the original record unchanged
		status = http.StatusOK
	}
	writeJSON(w, createQuestionResponse{
		QuestionID: q.QuestionID,
		Status:     q.Status,
		PollURL:    "/agent/questions/" + q.QuestionID,
		ExpiresAt:  q.ExpiresAt,
		CreatedAt:  q.CreatedAt,
	}, status)
}

type agentQuestionResponse struct {
	QuestionID        string          `json:"question_id"`
	Status            string          `json:"status"`
	Prompt            string          `json:"prompt"`
	Type              string          `json:"type"`
	Options           []string        `json:"options,omitempty"`
	RequiredResponses int             `json:"required_responses"`
	CurrentResponses  int             `json:"current_responses"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Responses         []humanResponse `json:"responses"`
	Summary           map[string]int  `json:"summary,omitempty"`
}

type humanResponse struct {
	Answer         *string `json:"answer,omitempty"`
	SelectedOption *int    `json:"selected_option,omitempty"`
	Confidence     *int    `json:"confidence,omitempty"`
}

// GetQuestion handles GET /agent/questions/{question_id}, the agent polling
// endpoint.
func (h *QuestionsHandler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	questionID := mux.Vars(r)["question_id"]

	q, responses, summary, err := h.svc.GetQuestionWithResponses(r.Context(), questionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := agentQuestionResponse{
		QuestionID:        q.QuestionID,
		Status:            q.Status,
		Prompt:            q.Prompt,
		Type:              q.Type,
		Options:           q.Options,
		RequiredResponses: q.RequiredResponses,
		CurrentResponses:  q.CurrentResponses,
		ExpiresAt:         q.ExpiresAt,
		ClosedAt:          q.ClosedAt,
		Responses:         make([]humanResponse, 0, len(responses)),
		Summary:           summary,
	}
	for _, resp := range responses {
		out.Responses = append(out.Responses, humanResponse{
			Answer:         resp.Answer,
			SelectedOption: resp.SelectedOption,
			Confidence:     resp.Confidence,
		})
	}

	writeJSON(w, out, http.StatusOK)
}
