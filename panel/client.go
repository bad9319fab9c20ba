package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Client is the campaign-panel RPC adapter.
type Client struct {
	baseURL      string
	token        string
	company      string
	defaultRetry time.Duration
	httpClient   *http.Client
	log          *logrus.Entry

	queue *retryQueue
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the client's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryQueueCapacity bounds the offline report queue.
func WithRetryQueueCapacity(n int) Option {
	return func(c *Client) { c.queue = newRetryQueue(n) }
}

// New constructs a Client. defaultRetry is used as the retry-after
// hint when the panel doesn't supply one; the flush backoff does not
// use it.
func New(baseURL, token, company string, defaultRetry time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		company:      company,
		defaultRetry: defaultRetry,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		log:          logrus.NewEntry(logrus.StandardLogger()),
		queue:        newRetryQueue(200),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterScenarios registers the locally loaded scenarios at
// startup.
func (c *Client) RegisterScenarios(ctx context.Context, scenarios []ScenarioRegistration) error {
	payload := map[string]any{"company": c.company, "scenarios": scenarios}
	_, err := c.post(ctx, "/api/dialer/register-scenarios", payload)
	return err
}

// RegisterOutboundLines registers the configured outbound lines at
// startup.
func (c *Client) RegisterOutboundLines(ctx context.Context, lines []LineRegistration) error {
	payload := map[string]any{"company": c.company, "lines": lines}
	_, err := c.post(ctx, "/api/dialer/register-lines", payload)
	return err
}

// GetNextBatch fetches up to size contacts plus the current roster
// snapshot. Any transport failure yields CallAllowed=false with
// RetryAfter=defaultRetry, matching the original's fail-safe posture.
func (c *Client) GetNextBatch(ctx context.Context, size int) Batch {
	c.flushPending(ctx)

	raw, err := c.get(ctx, fmt.Sprintf("/api/dialer/next-batch?size=%d", size))
	if err != nil {
		c.log.WithError(err).Warn("panel get_next_batch failed")
		return Batch{CallAllowed: false, RetryAfter: c.defaultRetry}
	}

	var resp struct {
		CallAllowed       bool   `json:"call_allowed"`
		RetryAfterSeconds *int   `json:"retry_after_seconds"`
		Batch             struct {
			Numbers []Contact `json:"numbers"`
		} `json:"batch"`
		ActiveScenarios []ScenarioRef `json:"active_scenarios"`
		OutboundLines   []LineRef     `json:"outbound_lines"`
		InboundAgents   []AgentRef    `json:"inbound_agents"`
		OutboundAgents  []AgentRef    `json:"outbound_agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.WithError(err).Warn("panel next-batch response unparseable")
		return Batch{CallAllowed: false, RetryAfter: c.defaultRetry}
	}

	if !resp.CallAllowed {
		retry := c.defaultRetry
		if resp.RetryAfterSeconds != nil {
			retry = time.Duration(*resp.RetryAfterSeconds) * time.Second
		}
		return Batch{CallAllowed: false, RetryAfter: retry}
	}

	return Batch{
		CallAllowed:     true,
		Contacts:        resp.Batch.Numbers,
		ActiveScenarios: resp.ActiveScenarios,
		OutboundLines:   resp.OutboundLines,
		InboundAgents:   resp.InboundAgents,
		OutboundAgents:  resp.OutboundAgents,
	}
}

// ReportResult sends a per-call outcome. On transport failure the
// report is enqueued for retry rather than raised to the caller — a
// duplicate/failed report attempt must never abort a call (spec.md
// §7).
func (c *Client) ReportResult(ctx context.Context, in ReportInput) {
	payload := c.reportPayload(in)
	if _, err := c.post(ctx, "/api/dialer/report-result", payload); err != nil {
		c.log.WithError(err).Warn("panel report_result failed; queueing")
		c.queue.push(in)
	}
}

func (c *Client) reportPayload(in ReportInput) map[string]any {
	payload := map[string]any{
		"company":      c.company,
		"phone_number": in.PhoneNumber,
		"status":       in.Status,
		"reason":       in.Reason,
		"attempted_at": in.AttemptedAt.UTC().Format(time.RFC3339),
	}
	if in.NumberID != nil {
		payload["number_id"] = *in.NumberID
	}
	if in.ScenarioID != nil {
		payload["scenario_id"] = *in.ScenarioID
	}
	if in.OutboundLineID != nil {
		payload["outbound_line_id"] = *in.OutboundLineID
	}
	if in.AgentID != nil {
		payload["agent_id"] = *in.AgentID
	}
	if in.AgentPhone != "" {
		payload["agent_phone"] = in.AgentPhone
	}
	if in.UserMessage != "" {
		payload["user_message"] = in.UserMessage
	}
	return payload
}

// flushPending re-attempts queued reports with backoff, stopping at
// the first failure and requeueing the rest (matching the original's
// break-on-first-failure flush semantics).
func (c *Client) flushPending(ctx context.Context) {
	pending := c.queue.drain()
	if len(pending) == 0 {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 2 * time.Second

	for i, in := range pending {
		payload := c.reportPayload(in)
		err := backoff.Retry(func() error {
			_, err := c.post(ctx, "/api/dialer/report-result", payload)
			return err
		}, bo)
		if err != nil {
			c.log.WithError(err).Warn("flush of queued panel report failed; requeueing remainder")
			for _, remaining := range pending[i:] {
				c.queue.push(remaining)
			}
			return
		}
	}
}

// PendingReports returns the number of reports currently queued for
// retry (for diagnostics/shutdown draining).
func (c *Client) PendingReports() int { return c.queue.len() }

// FlushShutdown makes a best-effort attempt to drain the retry queue
// during orderly shutdown.
func (c *Client) FlushShutdown(ctx context.Context) {
	c.flushPending(ctx)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("panel: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
