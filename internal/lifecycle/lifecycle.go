package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/garnizeh/askhuman/pkg/models"
	"github.com/garnizeh/askhuman/pkg/repository"
)

// Clock supplies the current time; injected so expiry logic is testable.
type Clock func() time.Time

// Notifier is told about freshly created questions so the dispatch queue
// can fan out to subscribers. Failures are logged, never surfaced: the
// notification contract is best effort.
type Notifier interface {
	QuestionCreated(ctx context.Context, q *models.Question) error
}

// Service owns the question lifecycle: creation, the response recorder and
// the status transitions derived from the store's conditional increment.
type Service struct {
	questions repository.QuestionRepo
	responses repository.ResponseRepo
	notifier  Notifier
	logger    *slog.Logger
	clock     Clock

	// submissions faster than this are flagged suspect but still accepted
	minResponseLatency time.Duration
}

func NewService(qr repository.QuestionRepo, rr repository.ResponseRepo, notifier Notifier, logger *slog.Logger, clock Clock, minResponseLatency time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		questions:          qr,
		responses:          rr,
		notifier:           notifier,
		logger:             logger,
		clock:              clock,
		minResponseLatency: minResponseLatency,
	}
}

type CreateInput struct {
	Prompt         string
	Type           string
	Options        []string
	Audience       []string
	MinResponses   int
	TimeoutSeconds int
	AgentID        string
	IdempotencyKey string
}

// CreateQuestion validates the input and stores a new OPEN question. With an
// idempotency key the creation write is an insert-if-absent on (agent, key):
// a repeat within 24h returns the original record untouched. The bool result
// reports whether a new question was created.
func (s *Service) CreateQuestion(ctx context.Context, in CreateInput) (*models.Question, bool, error) {
	if err := validateCreate(&in); err != nil {
		return nil, false, err
	}

	now := s.clock()
	q := &models.Question{
		QuestionID:        models.NewQuestionID(),
		Prompt:            in.Prompt,
		Type:              in.Type,
		Options:           in.Options,
		Audience:          in.Audience,
		RequiredResponses: in.MinResponses,
		CurrentResponses:  0,
		Status:            models.StatusOpen,
		AgentID:           in.AgentID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(in.TimeoutSeconds) * time.Second),
	}

	var created bool
	var err error
	if in.IdempotencyKey != "" {
		q, created, err = s.questions.InsertQuestionIdempotent(ctx, q, in.IdempotencyKey, now)
	} else {
		err = s.questions.InsertQuestion(ctx, q)
		created = err == nil
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("question created",
			slog.String("question_id", q.QuestionID),
			slog.String("agent_id", q.AgentID),
			slog.Int("required_responses", q.RequiredResponses),
		)
		if s.notifier != nil {
			if nerr := s.notifier.QuestionCreated(ctx, q); nerr != nil {
				s.logger.Error("notify enqueue failed", slog.String("question_id", q.QuestionID), slog.Any("err", nerr))
			}
		}
	}

	return q, created, nil
}

type SubmitInput struct {
	QuestionID     string
	Answer         *string
	SelectedOption *int
	Confidence     *int
	Fingerprint    string
	ElapsedMS      int64
}

// RecordResponse accepts one response per (question, fingerprint) and drives
// the lifecycle transition. The dedup is the response insert itself and the
// counter is the store's conditional increment; a writer whose increment is
// rejected keeps its persisted response for audit but fails the submission.
func (s *Service) RecordResponse(ctx context.Context, in SubmitInput) (*models.Response, error) {
	q, err := s.questions.GetQuestion(ctx, in.QuestionID)
	if err != nil {
		return nil, err
	}

	now := s.clock()

	// optimistic pre-check; the conditional increment is authoritative
	switch q.EffectiveStatus(now) {
	case models.StatusClosed:
		return nil, models.ErrQuestionClosed
	case models.StatusExpired:
		return nil, models.ErrQuestionExpired
	}

	if err := validateSubmit(q, &in); err != nil {
		return nil, err
	}

	r := &models.Response{
		ResponseID:     models.NewResponseID(),
		QuestionID:     q.QuestionID,
		Answer:         in.Answer,
		SelectedOption: in.SelectedOption,
		Confidence:     in.Confidence,
		Fingerprint:    in.Fingerprint,
		ElapsedMS:      in.ElapsedMS,
		Suspect:        in.ElapsedMS > 0 && time.Duration(in.ElapsedMS)*time.Millisecond < s.minResponseLatency,
		Accepted:       true,
		CreatedAt:      now,
	}

	if err := s.responses.InsertResponse(ctx, r); err != nil {
		return nil, err
	}

	newCount, required, err := s.questions.ConditionalIncrement(ctx, q.QuestionID, now)
	if err != nil {
		// the threshold or expiry was crossed between the pre-check and
		// the increment; keep the row for audit, fail the submission
		if merr := s.responses.MarkResponseRejected(ctx, r.ResponseID); merr != nil {
			s.logger.Error("mark rejected response", slog.String("response_id", r.ResponseID), slog.Any("err", merr))
		}
		return nil, err
	}

	// derive the new status purely from the returned counter and commit it
	// only when it differs from what we last observed; the commit itself is
	// idempotent so racing writers are harmless
	derived := models.StatusPartial
	if newCount == required {
		derived = models.StatusClosed
	}
	if derived != q.Status {
		if cerr := s.questions.CommitStatus(ctx, q.QuestionID, derived, s.clock()); cerr != nil {
			s.logger.Error("commit status", slog.String("question_id", q.QuestionID), slog.String("status", derived), slog.Any("err", cerr))
		}
	}

	s.logger.Info("response recorded",
		slog.String("response_id", r.ResponseID),
		slog.String("question_id", q.QuestionID),
		slog.Int("current_responses", newCount),
		slog.String("status", derived),
	)

	return r, nil
}

// GetQuestionWithResponses returns the question with read-time status
// resolution, its accepted responses and, for multiple choice, the vote
// counts keyed by option text.
func (s *Service) GetQuestionWithResponses(ctx context.Context, questionID string) (*models.Question, []models.Response, map[string]int, error) {
	q, err := s.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, nil, nil, err
	}
	q.Status = q.EffectiveStatus(s.clock())

	responses, err := s.responses.ListAcceptedResponses(ctx, questionID)
	if err != nil {
		return nil, nil, nil, err
	}

	var summary map[string]int
	if q.Type == models.TypeMultipleChoice {
		summary = make(map[string]int, len(q.Options))
		for _, r := range responses {
			if r.SelectedOption == nil {
				continue
			}
			if i := *r.SelectedOption; i >= 0 && i < len(q.Options) {
				summary[q.Options[i]]++
			}
		}
	}

	return q, responses, summary, nil
}

// ListOpenForHuman lists answerable questions, filtering out the ones this
// fingerprint already answered.
func (s *Service) ListOpenForHuman(ctx context.Context, fingerprint string, limit int) ([]models.Question, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}

	answered := map[string]bool{}
	if fingerprint != "" {
		var err error
		answered, err = s.responses.AnsweredQuestionIDs(ctx, fingerprint)
		if err != nil {
			return nil, err
		}
	}

	// over-fetch to compensate for the answered filter
	fetch := limit + len(answered)
	if fetch > 100 {
		fetch = 100
	}
	questions, err := s.questions.ListOpenQuestions(ctx, s.clock(), fetch)
	if err != nil {
		return nil, err
	}

	out := make([]models.Question, 0, limit)
	for _, q := range questions {
		if answered[q.QuestionID] {
			continue
		}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}

	return out, nil
}

// GetForHuman returns the question and whether this fingerprint may still
// answer it.
func (s *Service) GetForHuman(ctx context.Context, questionID, fingerprint string) (*models.Question, bool, error) {
	q, err := s.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, false, err
	}

	now := s.clock()
	switch q.EffectiveStatus(now) {
	case models.StatusClosed:
		return nil, false, models.ErrQuestionClosed
	case models.StatusExpired:
		return nil, false, models.ErrQuestionExpired
	}

	canAnswer := true
	if fingerprint != "" {
		answered, err := s.responses.AnsweredQuestionIDs(ctx, fingerprint)
		if err != nil {
			return nil, false, err
		}
		canAnswer = !answered[q.QuestionID]
	}

	return q, canAnswer, nil
}

func validateCreate(in *CreateInput) error {
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", models.ErrValidation)
	}
	if len(in.Prompt) > models.MaxPromptLength {
		return fmt.Errorf("%w: prompt must be at most %d characters", models.ErrValidation, models.MaxPromptLength)
	}

	switch in.Type {
	case models.TypeText:
		in.Options = nil
	case models.TypeMultipleChoice:
		if len(in.Options) < models.MinOptions || len(in.Options) > models.MaxOptions {
			return fmt.Errorf("%w: options must have %d-%d items", models.ErrValidation, models.MinOptions, models.MaxOptions)
		}
	default:
		return fmt.Errorf("%w: type must be %q or %q", models.ErrValidation, models.TypeText, models.TypeMultipleChoice)
	}

	if in.MinResponses == 0 {
		in.MinResponses = models.DefaultMinResponses
	}
	if in.MinResponses < 1 || in.MinResponses > models.MaxMinResponses {
		return fmt.Errorf("%w: min_responses must be between 1 and %d", models.ErrValidation, models.MaxMinResponses)
	}

	if in.TimeoutSeconds == 0 {
		in.TimeoutSeconds = models.DefaultTimeoutSecs
	}
	if in.TimeoutSeconds < models.MinTimeoutSecs || in.TimeoutSeconds > models.MaxTimeoutSecs {
		return fmt.Errorf("%w: timeout_seconds must be between %d and %d", models.ErrValidation, models.MinTimeoutSecs, models.MaxTimeoutSecs)
	}

	if len(in.Audience) == 0 {
		in.Audience = []string{"general"}
	}

	return nil
}

func validateSubmit(q *models.Question, in *SubmitInput) error {
	if strings.TrimSpace(in.Fingerprint) == "" {
		return fmt.Errorf("%w: fingerprint is required", models.ErrValidation)
	}

	switch q.Type {
	case models.TypeText:
		if in.Answer == nil || strings.TrimSpace(*in.Answer) == "" {
			return fmt.Errorf("%w: answer is required for text questions", models.ErrValidation)
		}
		if len(*in.Answer) > models.MaxAnswerLength {
			return fmt.Errorf("%w: answer must be at most %d characters", models.ErrValidation, models.MaxAnswerLength)
		}
		in.SelectedOption = nil
	case models.TypeMultipleChoice:
		if in.SelectedOption == nil {
			return fmt.Errorf("%w: selected_option is required for multiple choice questions", models.ErrValidation)
		}
		if *in.SelectedOption < 0 || *in.SelectedOption >= len(q.Options) {
			return fmt.Errorf("%w: selected_option must be between 0 and %d", models.ErrValidation, len(q.Options)-1)
		}
		in.Answer = nil
	}

	if in.Confidence != nil && (*in.Confidence < 1 || *in.Confidence > 5) {
		return fmt.Errorf("%w: confidence must be between 1 and 5", models.ErrValidation)
	}

	return nil
}
