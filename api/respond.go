package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/garnizeh/askhuman/pkg/models"
)

// Error codes carried in the wire envelope.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeQuestionNotFound = "QUESTION_NOT_FOUND"
	CodeQuestionClosed   = "QUESTION_CLOSED"
	CodeQuestionExpired  = "QUESTION_EXPIRED"
	CodeAlreadyAnswered  = "ALREADY_ANSWERED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}}, status)
}

// writeDomainError maps lifecycle/store sentinel errors onto the envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, models.ErrQuestionNotFound):
		writeError(w, http.StatusNotFound, CodeQuestionNotFound, "The requested question does not exist.", nil)
	case errors.Is(err, models.ErrQuestionClosed):
		writeError(w, http.StatusGone, CodeQuestionClosed, "This question is no longer accepting responses.", nil)
	case errors.Is(err, models.ErrQuestionExpired):
		writeError(w, http.StatusGone, CodeQuestionExpired, "This question has expired.", nil)
	case errors.Is(err, models.ErrDuplicateResponse):
		writeError(w, http.StatusConflict, CodeAlreadyAnswered, "You have already answered this question.", nil)
	default:
		logger.Error("internal error", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, CodeServerError, "An internal error occurred.", nil)
	}
}
