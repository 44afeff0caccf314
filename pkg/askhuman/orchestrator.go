package askhuman

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default orchestrator configuration.
const (
	DefaultPollInterval      = 30 * time.Second
	DefaultAwaitTimeout      = time.Hour
	DefaultMaxBackoff        = 5 * time.Minute
	DefaultBackoffMultiplier = 1.5
)

// OrchestratorConfig tunes the polling loop. Zero values fall back to the
// package defaults.
type OrchestratorConfig struct {
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Orchestrator drives the poll/backoff/timeout loop every agent integration
// needs: it wraps a Client and waits for human responses without ever
// blocking on an individual human.
//
// Each AwaitResponses call owns its backoff state; concurrent calls are
// independent and share nothing but the underlying HTTP client.
type Orchestrator struct {
	client *Client
	cfg    OrchestratorConfig
}

func NewOrchestrator(client *Client, cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return &Orchestrator{client: client, cfg: cfg}
}

// Submit is a thin pass-through to the creation endpoint.
func (o *Orchestrator) Submit(ctx context.Context, req QuestionRequest) (*QuestionSubmission, error) {
	return o.client.SubmitQuestion(ctx, req)
}

// PollOnce issues one batched parallel round of status fetches and returns
// the current record per id. Transport errors and 5xx are swallowed (the id
// is simply absent from the result); a definitive question-not-found is
// surfaced immediately.
func (o *Orchestrator) PollOnce(ctx context.Context, questionIDs []string) (map[string]*Question, error) {
	results := make(map[string]*Question, len(questionIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range questionIDs {
		g.Go(func() error {
			q, err := o.client.GetQuestion(gctx, id)
			if err != nil {
				if IsQuestionNotFound(err) {
					return err
				}
				// transient; retried on the next round
				return nil
			}
			mu.Lock()
			results[q.QuestionID] = q
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// AwaitResponses polls until every question either has minResponses or is
// CLOSED/EXPIRED, sleeping between rounds with exponential backoff. When
// the timeout elapses the last-observed (possibly partial) results are
// returned without error; only cancellation of ctx returns an error.
func (o *Orchestrator) AwaitResponses(ctx context.Context, questionIDs []string, minResponses int, timeout time.Duration) (map[string]*Question, error) {
	if minResponses < 1 {
		minResponses = 1
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}

	deadline := time.Now().Add(timeout)
	interval := o.cfg.PollInterval
	results := make(map[string]*Question, len(questionIDs))

	for {
		round, err := o.PollOnce(ctx, questionIDs)
		// keep the freshest record per id across rounds so a transient
		// failure never loses previously observed state
		for id, q := range round {
			results[id] = q
		}
		if err != nil {
			return results, err
		}

		allDone := true
		for _, id := range questionIDs {
			q, ok := results[id]
			if !ok || !q.Done(minResponses) {
				allDone = false
				break
			}
		}
		if allDone {
			return results, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			// timeout: hand back partial results, not an error
			return results, nil
		}

		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return results, ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * o.cfg.BackoffMultiplier)
		if interval > o.cfg.MaxBackoff {
			interval = o.cfg.MaxBackoff
		}
	}
}

// AwaitOptions overrides the defaults SubmitAndWait inherits from the
// submitted question.
type AwaitOptions struct {
	// MinResponses defaults to the question's min_responses.
	MinResponses int
	// Timeout defaults to the question's timeout_seconds.
	Timeout time.Duration
}

// SubmitAndWait submits a question and waits for its responses.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, req QuestionRequest, opts AwaitOptions) (*Question, error) {
	submission, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	minResponses := opts.MinResponses
	if minResponses <= 0 {
		minResponses = req.MinResponses
		if minResponses <= 0 {
			minResponses = 5
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		} else {
			timeout = DefaultAwaitTimeout
		}
	}

	results, err := o.AwaitResponses(ctx, []string{submission.QuestionID}, minResponses, timeout)
	if err != nil {
		return results[submission.QuestionID], err
	}
	return results[submission.QuestionID], nil
}
