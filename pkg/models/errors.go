package models

import "errors"

// Domain errors surfaced by the response recorder and lifecycle state
// machine. The api layer maps these onto the wire error envelope.
var (
	// ErrQuestionNotFound indicates the question id does not exist.
	ErrQuestionNotFound = errors.New("question not found")

	// ErrQuestionClosed indicates the question already collected its
	// required responses. Callers must not retry: the question is full.
	ErrQuestionClosed = errors.New("question closed")

	// ErrQuestionExpired indicates the question passed expires_at before
	// the submission could be accepted.
	ErrQuestionExpired = errors.New("question expired")

	// ErrDuplicateResponse indicates the fingerprint already answered this
	// question.
	ErrDuplicateResponse = errors.New("duplicate response")

	// ErrValidation indicates malformed input; never retried.
	ErrValidation = errors.New("validation error")
)
