package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/repository"
	"github.com/gorilla/mux"
)

// HumansHandler serves the human-facing endpoints: browsing open questions,
// submitting answers and registering push subscriptions.
type HumansHandler struct {
	svc   *lifecycle.Service
	subs  repository.SubscriptionRepo
	clock lifecycle.Clock
}

func NewHumansHandler(svc *lifecycle.Service, subs repository.SubscriptionRepo, clock lifecycle.Clock) *HumansHandler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &HumansHandler{svc: svc, subs: subs, clock: clock}
}

type humanListItem struct {
	QuestionID      string    `json:"question_id"`
	Prompt          string    `json:"prompt"`
	Type            string    `json:"type"`
	Options         []string  `json:"options,omitempty"`
	Audience        []string  `json:"audience,omitempty"`
	ResponsesNeeded int       `json:"responses_needed"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListQuestions handles GET /human/questions.
func (h *HumansHandler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			limit = v
		}
	}

	questions, err := h.svc.ListOpenForHuman(r.Context(), fingerprint(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]humanListItem, 0, len(questions))
	for _, q := range questions {
		items = append(items, humanListItem{
			QuestionID:      q.QuestionID,
			Prompt:          q.Prompt,
			Type:            q.Type,
			Options:         q.Options,
			Audience:        q.Audience,
			ResponsesNeeded: q.ResponsesNeeded(),
			CreatedAt:       q.CreatedAt,
		})
	}

	writeJSON(w, map[string]any{"questions": items}, http.StatusOK)
}

type humanDetail struct {
	QuestionID      string   `json:"question_id"`
	Prompt          string   `json:"prompt"`
	Type            string   `json:"type"`
	Options         []string `json:"options,omitempty"`
	Audience        []string `json:"audience,omitempty"`
	ResponsesNeeded int      `json:"responses_needed"`
	CanAnswer       bool     `json:"can_answer"`
}

// GetQuestion handles GET /human/questions/{question_id}.
func (h *HumansHandler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	questionID := mux.Vars(r)["question_id"]

	q, canAnswer, err := h.svc.GetForHuman(r.Context(), questionID, fingerprint(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, humanDetail{
		QuestionID:      q.QuestionID,
		Prompt:          q.Prompt,
		Type:            q.Type,
		Options:         q.Options,
		Audience:        q.Audience,
		ResponsesNeeded: q.ResponsesNeeded(),
		CanAnswer:       canAnswer,
	}, http.StatusOK)
}

type submitResponseRequest struct {
	QuestionID     string  `json:"question_id"`
	Answer         *string `json:"answer,omitempty"`
	SelectedOption *int    `json:"selected_option,omitempty"`
	Confidence     *int    `json:"confidence,omitempty"`
	ElapsedMS      int64   `json:"elapsed_ms,omitempty"`
}

// SubmitResponse handles POST /human/responses.
func (h *HumansHandler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON in request body", nil)
		return
	}

	if strings.TrimSpace(req.QuestionID) == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "question_id is required",
			map[string]any{"field": "question_id", "constraint": "required"})
		return
	}

	fp := fingerprint(r)
	if fp == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, HeaderFingerprint+" header is required",
			map[string]any{"field": "fingerprint", "constraint": "required"})
		return
	}

	resp, err := h.svc.RecordResponse(r.Context(), lifecycle.SubmitInput{
		QuestionID:     req.QuestionID,
		Answer:         req.Answer,
		SelectedOption: req.SelectedOption,
		Confidence:     req.Confidence,
		Fingerprint:    fp,
		ElapsedMS:      req.ElapsedMS,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, map[string]any{"response_id": resp.ResponseID}, http.StatusCreated)
}

type subscribeRequest struct {
	Token              string `json:"token"`
	MinIntervalSeconds int64  `json:"min_interval_seconds,omitempty"`
}

// Subscribe handles POST /human/subscriptions, registering a push delivery
// token for the notification dispatcher to draw from.
func (h *HumansHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON in request body", nil)
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "token is required",
			map[string]any{"field": "token", "constraint": "required"})
		return
	}
	if req.MinIntervalSeconds <= 0 {
		req.MinIntervalSeconds = 3600
	}

	sub := &models.Subscription{
		SubscriptionID: models.NewSubscriptionID(),
		Token:          req.Token,
		Active:         true,
		MinInterval:    req.MinIntervalSeconds,
		CreatedAt:      h.clock(),
	}
	if err := h.subs.InsertSubscription(r.Context(), sub); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, map[string]any{"subscription_id": sub.SubscriptionID}, http.StatusCreated)
}
