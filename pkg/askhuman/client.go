package askhuman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Default client configuration.
const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Config holds settings for the API client.
type Config struct {
	// BaseURL is the API endpoint; defaults to the AAH_BASE_URL env var.
	BaseURL string
	// AgentID is the self-asserted agent identity sent as X-Agent-Id;
	// defaults to the AAH_AGENT_ID env var or "default".
	AgentID string
	// Timeout is the per-request timeout.
	Timeout time.Duration
}

// Client is the low-level API client. For polling with backoff and
// timeouts, wrap it in an Orchestrator.
type Client struct {
	baseURL string
	agentID string
	client  *http.Client
	closed  int32 // atomic flag for Close()
}

// NewClient creates a new API client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = getEnv("AAH_BASE_URL", DefaultBaseURL)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = getEnv("AAH_AGENT_ID", "default")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	return &Client{baseURL: cfg.BaseURL, agentID: cfg.AgentID, client: httpClient}, nil
}

// SubmitQuestion posts a question for humans to answer.
func (c *Client) SubmitQuestion(ctx context.Context, req QuestionRequest) (*QuestionSubmission, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal question request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/questions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Agent-Id", c.agentID)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("submit question: %w", err)
	}
	defer resp.Body.Close()

	if err := decodeError(resp); err != nil {
		return nil, err
	}

	var out QuestionSubmission
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &out, nil
}

// GetQuestion fetches a question's status and responses.
func (c *Client) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent/questions/"+url.PathEscape(questionID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("X-Agent-Id", c.agentID)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("get question %s: %w", questionID, err)
	}
	defer resp.Body.Close()

	if err := decodeError(resp); err != nil {
		return nil, err
	}

	var out Question
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode question: %w", err)
	}
	return &out, nil
}

// Close releases resources held by the client. Close is idempotent and safe
// to call multiple times.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.client.CloseIdleConnections()
	return nil
}

// decodeError turns a non-2xx response into an *APIError.
func decodeError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	ae := &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
	}

	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Code != "" {
		ae.Code = envelope.Error.Code
		ae.Message = envelope.Error.Message
		ae.Details = envelope.Error.Details
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				ae.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}

	return ae
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
