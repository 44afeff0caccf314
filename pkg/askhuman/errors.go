package askhuman

import (
	"errors"
	"fmt"
	"time"
)

// Error codes mirrored from the server's error envelope.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeQuestionNotFound = "QUESTION_NOT_FOUND"
	CodeQuestionClosed   = "QUESTION_CLOSED"
	CodeQuestionExpired  = "QUESTION_EXPIRED"
	CodeAlreadyAnswered  = "ALREADY_ANSWERED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
)

// APIError is a structured error decoded from the server's
// {error:{code,message,details}} envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	// RetryAfter is populated from the Retry-After header on 429s.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsQuestionNotFound reports whether err is a definitive 404 for a question.
func IsQuestionNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == 404
}

// IsValidation reports whether err is a 400 validation rejection.
func IsValidation(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == CodeValidationError
}

// IsRateLimited reports whether err is a 429; RetryAfter carries the hint.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == 429
}

// IsServerError reports whether err is a 5xx, safe to retry with backoff.
func IsServerError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode >= 500
}
