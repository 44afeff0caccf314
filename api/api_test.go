package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/garnizeh/askhuman/api"
	migrations "github.com/garnizeh/askhuman/db"
	"github.com/garnizeh/askhuman/internal/config"
	dbpkg "github.com/garnizeh/askhuman/internal/db"
	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/garnizeh/askhuman/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupServer(t *testing.T, cfg *config.Config) (*httptest.Server, *testClock) {
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

	if cfg == nil {
		cfg = &config.Config{
			Limits: config.LimitsConfig{
				MinResponseLatency: 2 * time.Second,
				AgentRatePerSec:    1000,
				AgentRateBurst:     1000,
			},
		}
	}

	st := store.New(d, nil)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := lifecycle.NewService(st, st, nil, nil, clock.Now, cfg.Limits.MinResponseLatency)

	srv := httptest.NewServer(api.SetupRoutes(cfg, "test", "now", svc, st, clock.Now))
	t.Cleanup(srv.Close)
	return srv, clock
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %#v", body)
	}
	code, _ := env["code"].(string)
	return code
}

func createQuestion(t *testing.T, srv *httptest.Server, body map[string]any) string {
	t.Helper()
	resp, decoded := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create question: status %d body %#v", resp.StatusCode, decoded)
	}
	id, _ := decoded["question_id"].(string)
	if id == "" {
		t.Fatalf("missing question_id in %#v", decoded)
	}
	return id
}

func TestQuestionFlow(t *testing.T) {
	srv, _ := setupServer(t, nil)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", map[string]any{
		"prompt":        "Which color for the warning banner?",
		"type":          "multiple_choice",
		"options":       []string{"amber", "red"},
		"min_responses": 2,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %#v", resp.StatusCode, created)
	}
	if created["status"] != "OPEN" {
		t.Fatalf("status = %v, want OPEN", created["status"])
	}
	id := created["question_id"].(string)
	if created["poll_url"] != "/agent/questions/"+id {
		t.Fatalf("poll_url = %v", created["poll_url"])
	}

	// humans answer under distinct fingerprints
	for i, pick := range []int{0, 1} {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
			"question_id":     id,
			"selected_option": pick,
			"confidence":      4,
		}, map[string]string{"X-Fingerprint": fmt.Sprintf("device-%d", i)})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("response %d: status %d body %#v", i, resp.StatusCode, body)
		}
		if body["response_id"] == "" {
			t.Fatalf("missing response_id in %#v", body)
		}
	}

	resp, polled := doJSON(t, http.MethodGet, srv.URL+"/agent/questions/"+id, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: status %d", resp.StatusCode)
	}
	if polled["status"] != "CLOSED" {
		t.Fatalf("polled status = %v, want CLOSED", polled["status"])
	}
	if n := polled["current_responses"].(float64); n != 2 {
		t.Fatalf("current_responses = %v, want 2", n)
	}
	responses := polled["responses"].([]any)
	if len(responses) != 2 {
		t.Fatalf("responses = %#v, want 2 entries", responses)
	}
	summary := polled["summary"].(map[string]any)
	if summary["amber"].(float64) != 1 || summary["red"].(float64) != 1 {
		t.Fatalf("summary = %#v", summary)
	}

	// a third answer hits the closed question
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id":     id,
		"selected_option": 0,
	}, map[string]string{"X-Fingerprint": "device-late"})
	if resp.StatusCode != http.StatusGone || errorCode(t, body) != api.CodeQuestionClosed {
		t.Fatalf("late response: status %d body %#v", resp.StatusCode, body)
	}
}

func TestCreateQuestionValidation(t *testing.T) {
	srv, _ := setupServer(t, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing prompt", map[string]any{"type": "text"}},
		{"bad type", map[string]any{"prompt": "p", "type": "ranking"}},
		{"one option", map[string]any{"prompt": "p", "type": "multiple_choice", "options": []string{"only"}}},
		{"min_responses zero", map[string]any{"prompt": "p", "type": "text", "min_responses": 0}},
		{"timeout too small", map[string]any{"prompt": "p", "type": "text", "timeout_seconds": 5}},
		{"unknown field", map[string]any{"prompt": "p", "type": "text", "surprise": true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d body %#v", resp.StatusCode, body)
			}
			if errorCode(t, body) != api.CodeValidationError {
				t.Fatalf("code = %s", errorCode(t, body))
			}
		})
	}
}

func TestCreateQuestionIdempotentReplay(t *testing.T) {
	srv, _ := setupServer(t, nil)

	body := map[string]any{
		"prompt":          "Deploy now?",
		"type":            "text",
		"idempotency_key": "deploy-1",
	}

	first, firstBody := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", body,
		map[string]string{"X-Agent-Id": "agent-7"})
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d", first.StatusCode)
	}

	second, secondBody := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", body,
		map[string]string{"X-Agent-Id": "agent-7"})
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay: status %d, want 200", second.StatusCode)
	}
	if firstBody["question_id"] != secondBody["question_id"] {
		t.Fatalf("replay created a new question: %v vs %v", firstBody["question_id"], secondBody["question_id"])
	}

	// a different agent with the same key gets its own question
	third, thirdBody := doJSON(t, http.MethodPost, srv.URL+"/agent/questions", body,
		map[string]string{"X-Agent-Id": "agent-8"})
	if third.StatusCode != http.StatusCreated {
		t.Fatalf("other agent: status %d", third.StatusCode)
	}
	if thirdBody["question_id"] == firstBody["question_id"] {
		t.Fatalf("idempotency key leaked across agents")
	}
}

func TestGetQuestionNotFound(t *testing.T) {
	srv, _ := setupServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agent/questions/q_missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, body) != api.CodeQuestionNotFound {
		t.Fatalf("status %d body %#v", resp.StatusCode, body)
	}
}

func TestSubmitResponseErrors(t *testing.T) {
	srv, _ := setupServer(t, nil)
	id := createQuestion(t, srv, map[string]any{
		"prompt":        "Free form feedback?",
		"type":          "text",
		"min_responses": 3,
	})

	// fingerprint header is mandatory for submissions
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id": id,
		"answer":      "no header",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != api.CodeValidationError {
		t.Fatalf("missing fingerprint: status %d body %#v", resp.StatusCode, body)
	}

	headers := map[string]string{"X-Fingerprint": "device-a"}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id": id,
		"answer":      "first take",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first response: status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id": id,
		"answer":      "second take",
	}, headers)
	if resp.StatusCode != http.StatusConflict || errorCode(t, body) != api.CodeAlreadyAnswered {
		t.Fatalf("duplicate: status %d body %#v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id": "q_missing",
		"answer":      "into the void",
	}, headers)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, body) != api.CodeQuestionNotFound {
		t.Fatalf("missing question: status %d body %#v", resp.StatusCode, body)
	}
}

func TestExpiredQuestion(t *testing.T) {
	srv, clock := setupServer(t, nil)
	id := createQuestion(t, srv, map[string]any{
		"prompt":          "Answer within a minute",
		"type":            "text",
		"timeout_seconds": 60,
	})

	clock.Advance(2 * time.Minute)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id": id,
		"answer":      "too slow",
	}, map[string]string{"X-Fingerprint": "device-a"})
	if resp.StatusCode != http.StatusGone || errorCode(t, body) != api.CodeQuestionExpired {
		t.Fatalf("expired submit: status %d body %#v", resp.StatusCode, body)
	}

	// the agent poll reports the derived EXPIRED status
	resp, polled := doJSON(t, http.MethodGet, srv.URL+"/agent/questions/"+id, nil, nil)
	if resp.StatusCode != http.StatusOK || polled["status"] != "EXPIRED" {
		t.Fatalf("poll expired: status %d body %#v", resp.StatusCode, polled)
	}
}

func TestHumanListAndDetail(t *testing.T) {
	srv, _ := setupServer(t, nil)
	id := createQuestion(t, srv, map[string]any{
		"prompt":        "Pick one",
		"type":          "multiple_choice",
		"options":       []string{"a", "b"},
		"min_responses": 2,
	})

	resp, listed := doJSON(t, http.MethodGet, srv.URL+"/human/questions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	questions := listed["questions"].([]any)
	if len(questions) != 1 {
		t.Fatalf("listed %d questions, want 1", len(questions))
	}
	item := questions[0].(map[string]any)
	if item["question_id"] != id || item["responses_needed"].(float64) != 2 {
		t.Fatalf("unexpected list item: %#v", item)
	}

	headers := map[string]string{"X-Fingerprint": "device-a"}
	resp, detail := doJSON(t, http.MethodGet, srv.URL+"/human/questions/"+id, nil, headers)
	if resp.StatusCode != http.StatusOK || detail["can_answer"] != true {
		t.Fatalf("detail: status %d body %#v", resp.StatusCode, detail)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/human/responses", map[string]any{
		"question_id":     id,
		"selected_option": 0,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}

	// after answering, the list hides the question and detail flips can_answer
	resp, listed = doJSON(t, http.MethodGet, srv.URL+"/human/questions", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list after answer: status %d", resp.StatusCode)
	}
	if got := listed["questions"].([]any); len(got) != 0 {
		t.Fatalf("answered question still listed: %#v", got)
	}

	resp, detail = doJSON(t, http.MethodGet, srv.URL+"/human/questions/"+id, nil, headers)
	if resp.StatusCode != http.StatusOK || detail["can_answer"] != false {
		t.Fatalf("detail after answer: status %d body %#v", resp.StatusCode, detail)
	}
}

func TestSubscribe(t *testing.T) {
	srv, _ := setupServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/human/subscriptions", map[string]any{
		"token":                "push-token-1",
		"min_interval_seconds": 600,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe: status %d body %#v", resp.StatusCode, body)
	}
	if body["subscription_id"] == "" {
		t.Fatalf("missing subscription_id in %#v", body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/human/subscriptions", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != api.CodeValidationError {
		t.Fatalf("missing token: status %d body %#v", resp.StatusCode, body)
	}
}

func TestAgentRateLimit(t *testing.T) {
	cfg := &config.Config{
		Limits: config.LimitsConfig{
			MinResponseLatency: 2 * time.Second,
			AgentRatePerSec:    1,
			AgentRateBurst:     2,
		},
	}
	srv, _ := setupServer(t, cfg)

	var limited *http.Response
	var body map[string]any
	for i := 0; i < 3; i++ {
		resp, b := doJSON(t, http.MethodGet, srv.URL+"/agent/questions/q_missing", nil,
			map[string]string{"X-Agent-Id": "agent-busy"})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited, body = resp, b
			break
		}
	}
	if limited == nil {
		t.Fatalf("burst of 3 never hit the limiter")
	}
	if errorCode(t, body) != api.CodeRateLimited {
		t.Fatalf("code = %s", errorCode(t, body))
	}
	if limited.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// other agents are unaffected
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/agent/questions/q_missing", nil,
		map[string]string{"X-Agent-Id": "agent-idle"})
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Fatalf("limiter leaked across agents")
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := setupServer(t, nil)

	resp, health := doJSON(t, http.MethodGet, srv.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health: status %d body %#v", resp.StatusCode, health)
	}

	resp, version := doJSON(t, http.MethodGet, srv.URL+"/version", nil, nil)
	if resp.StatusCode != http.StatusOK || version["version"] != "test" {
		t.Fatalf("version: status %d body %#v", resp.StatusCode, version)
	}
}
