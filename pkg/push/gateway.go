package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"
)

var ErrCircuitOpen = errors.New("push gateway circuit open")

// Result classifies a delivery attempt. Transient failures may be retried;
// permanent failures mean the token is dead and the subscription should be
// deactivated.
type Result int

const (
	Delivered Result = iota
	TransientFailure
	PermanentFailure
)

// Notification is the payload delivered to a subscriber's device.
type Notification struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	QuestionID string `json:"question_id"`
}

// Gateway is the delivery contract consumed by the notification dispatcher.
type Gateway interface {
	Send(ctx context.Context, token string, n Notification) (Result, error)
}

// Client talks to the external push gateway over HTTP and adds bounded
// retries, timeout, and a circuit breaker. The wire transport behind the
// gateway (APNs, FCM, web push) is the gateway's concern, not ours.
type Client struct {
	cfg    Config
	client *http.Client

	// simple circuit breaker state
	failures  int32
	openUntil int64 // unix nano
	closed    int32 // atomic flag for Close()
}

var _ Gateway = (*Client)(nil)

// NewClient creates a new push gateway client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	c := &Client{cfg: cfg, client: httpClient}
	logger.Info("push: NewClient created", slog.String("base_url", cfg.BaseURL), slog.Duration("timeout", cfg.Timeout))
	return c, nil
}

// package-level logger for pkg/push; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/push. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}

	if time.Now().UnixNano() < atomic.LoadInt64(&c.openUntil) {
		return true
	}

	// attempt half-open: reset failures and allow a request
	atomic.StoreInt32(&c.failures, 0)
	return false
}

func (c *Client) recordFailure() {
	v := atomic.AddInt32(&c.failures, 1)
	if v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&c.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt32(&c.failures, 0)
}

// Send delivers one notification. Transient failures are retried in-call
// with bounded backoff; a permanent failure (dead token) is returned
// immediately so the caller can deactivate the subscription.
func (c *Client) Send(ctx context.Context, token string, n Notification) (Result, error) {
	if c.isCircuitOpen() {
		return TransientFailure, ErrCircuitOpen
	}

	payload := struct {
		Token string `json:"token"`
		Notification
	}{Token: token, Notification: n}

	body, err := json.Marshal(payload)
	if err != nil {
		return TransientFailure, fmt.Errorf("marshal notification: %w", err)
	}

	attempts := c.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			// bounded backoff between attempts, cancellable
			select {
			case <-ctx.Done():
				return TransientFailure, ctx.Err()
			case <-time.After(c.cfg.Backoff * time.Duration(i)):
			}
		}

		res, err := c.attempt(ctx, body)
		switch {
		case err != nil:
			lastErr = err
			c.recordFailure()
		case res == Delivered:
			c.recordSuccess()
			return Delivered, nil
		case res == PermanentFailure:
			// not a gateway health problem; do not trip the circuit
			c.recordSuccess()
			return PermanentFailure, nil
		default:
			lastErr = fmt.Errorf("gateway transient failure")
			c.recordFailure()
		}

		if c.isCircuitOpen() {
			break
		}
	}

	return TransientFailure, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return TransientFailure, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return TransientFailure, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// invalid or unregistered token
		return PermanentFailure, nil
	default:
		return TransientFailure, nil
	}
}

// Close releases any resources held by the client. Close is idempotent and
// safe to call multiple times.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	return nil
}
