package lifecycle_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	migrations "github.com/garnizeh/askhuman/db"
	dbpkg "github.com/garnizeh/askhuman/internal/db"
	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/garnizeh/askhuman/internal/store"
	"github.com/garnizeh/askhuman/pkg/models"
)

// fakeClock is a settable clock shared by the service and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier counts creation notifications.
type recordingNotifier struct {
	mu      sync.Mutex
	created []string
}

func (n *recordingNotifier) QuestionCreated(_ context.Context, q *models.Question) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, q.QuestionID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.created)
}

func setupService(t *testing.T) (*lifecycle.Service, *store.Store, *fakeClock, *recordingNotifier) {
	t.Helper()
	ctx := context.Background()

	d, err := dbpkg.New(ctx, "file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := dbpkg.Migrate(ctx, d, migrations.Migrations); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	st := store.New(d, nil)
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	svc := lifecycle.NewService(st, st, notifier, nil, clock.Now, 2*time.Second)
	return svc, st, clock, notifier
}

func strp(s string) *string { return &s }
func intp(v int) *int       { return &v }

func TestCreateQuestionDefaults(t *testing.T) {
	svc, _, clock, notifier := setupService(t)
	ctx := context.Background()

	q, created, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:  "Does this error message make sense?",
		Type:    models.TypeText,
		AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if q.RequiredResponses != models.DefaultMinResponses {
		t.Fatalf("required_responses = %d, want default %d", q.RequiredResponses, models.DefaultMinResponses)
	}
	if want := clock.Now().Add(time.Duration(models.DefaultTimeoutSecs) * time.Second); !q.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", q.ExpiresAt, want)
	}
	if len(q.Audience) != 1 || q.Audience[0] != "general" {
		t.Fatalf("audience = %#v, want default", q.Audience)
	}
	if q.Status != models.StatusOpen {
		t.Fatalf("status = %s, want OPEN", q.Status)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier called %d times, want 1", notifier.count())
	}
}

func TestCreateQuestionValidation(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	long := make([]byte, models.MaxPromptLength+1)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		name string
		in   lifecycle.CreateInput
	}{
		{"empty prompt", lifecycle.CreateInput{Type: models.TypeText}},
		{"prompt too long", lifecycle.CreateInput{Prompt: string(long), Type: models.TypeText}},
		{"bad type", lifecycle.CreateInput{Prompt: "p", Type: "ranked"}},
		{"too few options", lifecycle.CreateInput{Prompt: "p", Type: models.TypeMultipleChoice, Options: []string{"one"}}},
		{"min_responses too high", lifecycle.CreateInput{Prompt: "p", Type: models.TypeText, MinResponses: models.MaxMinResponses + 1}},
		{"timeout too short", lifecycle.CreateInput{Prompt: "p", Type: models.TypeText, TimeoutSeconds: models.MinTimeoutSecs - 1}},
		{"timeout too long", lifecycle.CreateInput{Prompt: "p", Type: models.TypeText, TimeoutSeconds: models.MaxTimeoutSecs + 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.CreateQuestion(ctx, tc.in); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateQuestionIdempotent(t *testing.T) {
	svc, _, _, notifier := setupService(t)
	ctx := context.Background()

	in := lifecycle.CreateInput{
		Prompt:         "Should we ship on Friday?",
		Type:           models.TypeText,
		AgentID:        "agent-1",
		IdempotencyKey: "deploy-check-1",
	}

	q1, created, err := svc.CreateQuestion(ctx, in)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	q2, created, err := svc.CreateQuestion(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatalf("replay must not create")
	}
	if q2.QuestionID != q1.QuestionID {
		t.Fatalf("replay returned %s, want %s", q2.QuestionID, q1.QuestionID)
	}
	if notifier.count() != 1 {
		t.Fatalf("replay must not re-notify, got %d calls", notifier.count())
	}
}

func TestRecordResponseLifecycle(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:       "Pick a release name",
		Type:         models.TypeText,
		MinResponses: 2,
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	r1, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("aurora"),
		Fingerprint: "fp-a",
	})
	if err != nil {
		t.Fatalf("first response: %v", err)
	}
	if r1.ResponseID == "" {
		t.Fatalf("missing response id")
	}

	got, _, _, err := svc.GetQuestionWithResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestionWithResponses: %v", err)
	}
	if got.Status != models.StatusPartial || got.CurrentResponses != 1 {
		t.Fatalf("after first response: status=%s current=%d", got.Status, got.CurrentResponses)
	}

	// same fingerprint cannot answer twice
	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("aurora again"),
		Fingerprint: "fp-a",
	}); !errors.Is(err, models.ErrDuplicateResponse) {
		t.Fatalf("expected ErrDuplicateResponse, got %v", err)
	}

	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("borealis"),
		Fingerprint: "fp-b",
	}); err != nil {
		t.Fatalf("second response: %v", err)
	}

	got, responses, _, err := svc.GetQuestionWithResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestionWithResponses: %v", err)
	}
	if got.Status != models.StatusClosed || got.ClosedAt == nil {
		t.Fatalf("after threshold: status=%s closed_at=%v", got.Status, got.ClosedAt)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 accepted responses, got %d", len(responses))
	}

	// closed questions reject further submissions
	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("too late"),
		Fingerprint: "fp-c",
	}); !errors.Is(err, models.ErrQuestionClosed) {
		t.Fatalf("expected ErrQuestionClosed, got %v", err)
	}
}

func TestRecordResponseSingleRequired(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:       "Quick sanity check",
		Type:         models.TypeText,
		MinResponses: 1,
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("yes"),
		Fingerprint: "fp-a",
	}); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}

	// with required 1 the first response closes directly, skipping PARTIAL
	got, _, _, err := svc.GetQuestionWithResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestionWithResponses: %v", err)
	}
	if got.Status != models.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
}

func TestRecordResponseExpired(t *testing.T) {
	svc, _, clock, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:         "Time-boxed question",
		Type:           models.TypeText,
		TimeoutSeconds: 60,
		AgentID:        "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	clock.Advance(2 * time.Minute)

	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("past the deadline"),
		Fingerprint: "fp-a",
	}); !errors.Is(err, models.ErrQuestionExpired) {
		t.Fatalf("expected ErrQuestionExpired, got %v", err)
	}

	got, _, _, err := svc.GetQuestionWithResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestionWithResponses: %v", err)
	}
	if got.Status != models.StatusExpired {
		t.Fatalf("read-time status = %s, want EXPIRED", got.Status)
	}
}

func TestRecordResponseSuspectFlag(t *testing.T) {
	svc, st, _, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:       "Read the whole paragraph first",
		Type:         models.TypeText,
		MinResponses: 3,
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	fast, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("instant"),
		Fingerprint: "fp-fast",
		ElapsedMS:   150,
	})
	if err != nil {
		t.Fatalf("fast response: %v", err)
	}
	if !fast.Suspect {
		t.Fatalf("sub-latency response not flagged suspect")
	}

	slow, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("considered"),
		Fingerprint: "fp-slow",
		ElapsedMS:   8000,
	})
	if err != nil {
		t.Fatalf("slow response: %v", err)
	}
	if slow.Suspect {
		t.Fatalf("normal-latency response flagged suspect")
	}

	// suspect responses still count toward the threshold
	responses, err := st.ListAcceptedResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("ListAcceptedResponses: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 accepted responses, got %d", len(responses))
	}
}

func TestRecordResponseAuditRetention(t *testing.T) {
	svc, st, clock, _ := setupService(t)
	ctx := context.Background()
	now := clock.Now()

	// a question whose counter already reached the threshold but whose status
	// commit never landed; the increment must still reject the writer
	q := &models.Question{
		QuestionID:        models.NewQuestionID(),
		Prompt:            "stale status",
		Type:              models.TypeText,
		RequiredResponses: 2,
		CurrentResponses:  2,
		Status:            models.StatusPartial,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Hour),
	}
	if err := st.InsertQuestion(ctx, q); err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}

	_, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("one too many"),
		Fingerprint: "fp-late",
	})
	if !errors.Is(err, models.ErrQuestionClosed) {
		t.Fatalf("expected ErrQuestionClosed, got %v", err)
	}

	// the response row survives for audit but is excluded from reads
	accepted, err := st.ListAcceptedResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("ListAcceptedResponses: %v", err)
	}
	if len(accepted) != 0 {
		t.Fatalf("rejected response leaked into accepted list: %#v", accepted)
	}
	answered, err := st.AnsweredQuestionIDs(ctx, "fp-late")
	if err != nil {
		t.Fatalf("AnsweredQuestionIDs: %v", err)
	}
	if !answered[q.QuestionID] {
		t.Fatalf("audit row missing for rejected response")
	}
}

func TestMultipleChoiceSummary(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:       "Which logo?",
		Type:         models.TypeMultipleChoice,
		Options:      []string{"round", "square", "hexagon"},
		MinResponses: 4,
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	for i, pick := range []int{0, 0, 2} {
		if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
			QuestionID:     q.QuestionID,
			SelectedOption: intp(pick),
			Confidence:     intp(4),
			Fingerprint:    "fp-" + string(rune('a'+i)),
		}); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
	}

	_, _, summary, err := svc.GetQuestionWithResponses(ctx, q.QuestionID)
	if err != nil {
		t.Fatalf("GetQuestionWithResponses: %v", err)
	}
	if summary["round"] != 2 || summary["hexagon"] != 1 || summary["square"] != 0 {
		t.Fatalf("unexpected summary: %#v", summary)
	}

	// out-of-range selections are rejected up front
	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:     q.QuestionID,
		SelectedOption: intp(7),
		Fingerprint:    "fp-z",
	}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestListOpenForHuman(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	var ids []string
	for _, prompt := range []string{"first", "second", "third"} {
		q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
			Prompt:       prompt,
			Type:         models.TypeText,
			MinResponses: 2,
			AgentID:      "agent-1",
		})
		if err != nil {
			t.Fatalf("CreateQuestion: %v", err)
		}
		ids = append(ids, q.QuestionID)
	}

	// fp-a answers the first question; the list must hide it for fp-a only
	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  ids[0],
		Answer:      strp("done"),
		Fingerprint: "fp-a",
	}); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}

	forA, err := svc.ListOpenForHuman(ctx, "fp-a", 10)
	if err != nil {
		t.Fatalf("ListOpenForHuman: %v", err)
	}
	if len(forA) != 2 {
		t.Fatalf("fp-a sees %d questions, want 2", len(forA))
	}
	for _, q := range forA {
		if q.QuestionID == ids[0] {
			t.Fatalf("answered question still listed for fp-a")
		}
	}

	anon, err := svc.ListOpenForHuman(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListOpenForHuman: %v", err)
	}
	if len(anon) != 3 {
		t.Fatalf("anonymous list has %d questions, want 3", len(anon))
	}
}

func TestGetForHuman(t *testing.T) {
	svc, _, clock, _ := setupService(t)
	ctx := context.Background()

	q, _, err := svc.CreateQuestion(ctx, lifecycle.CreateInput{
		Prompt:         "Answer me once",
		Type:           models.TypeText,
		MinResponses:   2,
		TimeoutSeconds: 120,
		AgentID:        "agent-1",
	})
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}

	got, canAnswer, err := svc.GetForHuman(ctx, q.QuestionID, "fp-a")
	if err != nil {
		t.Fatalf("GetForHuman: %v", err)
	}
	if got.QuestionID != q.QuestionID || !canAnswer {
		t.Fatalf("expected answerable question, got canAnswer=%v", canAnswer)
	}

	if _, err := svc.RecordResponse(ctx, lifecycle.SubmitInput{
		QuestionID:  q.QuestionID,
		Answer:      strp("my take"),
		Fingerprint: "fp-a",
	}); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}

	_, canAnswer, err = svc.GetForHuman(ctx, q.QuestionID, "fp-a")
	if err != nil {
		t.Fatalf("GetForHuman after answering: %v", err)
	}
	if canAnswer {
		t.Fatalf("fp-a already answered, canAnswer must be false")
	}

	clock.Advance(3 * time.Minute)
	if _, _, err := svc.GetForHuman(ctx, q.QuestionID, "fp-b"); !errors.Is(err, models.ErrQuestionExpired) {
		t.Fatalf("expected ErrQuestionExpired, got %v", err)
	}
}
