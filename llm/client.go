package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a single chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is an OpenAI-compatible chat-completions client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	sem        chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client bounded to maxParallel concurrent requests
// (MAX_PARALLEL_LLM).
func New(baseURL, apiKey string, maxParallel int, opts ...Option) *Client {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		timeout:    20 * time.Second,
		sem:        make(chan struct{}, maxParallel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs a chat-completion request with the scenario's prompt
// template (caller substitutes {transcript} before calling) and
// returns the first choice's content, trimmed and lower-cased.
func (c *Client) Classify(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Kind: KindMalformed, Err: fmt.Errorf("no API key configured")}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", &Error{Kind: KindTransient, Err: ctx.Err()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{
		"model":       model,
		"messages":    []Message{{Role: "user", Content: prompt}},
		"temperature": temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}

	if resp.StatusCode == http.StatusForbidden || isQuotaPhrase(string(raw)) {
		return "", &Error{Kind: KindQuotaExhausted, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw, 200))}
	}
	if resp.StatusCode >= 400 {
		return "", &Error{Kind: KindTransient, Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(raw, 200))}
	}

	var text string
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/event-stream") || strings.HasPrefix(strings.TrimSpace(string(raw)), "data:") {
		text = extractFromSSE(raw)
	} else {
		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
			return "", &Error{Kind: KindMalformed, Err: fmt.Errorf("unparseable response: %w", err)}
		}
		text = parsed.Choices[0].Message.Content
	}

	return strings.ToLower(strings.TrimSpace(text)), nil
}

// extractFromSSE reconstructs assistant text from OpenAI-style SSE
// chunks, matching the original client's fallback path for providers
// that answer non-streaming requests with a text/event-stream body.
func extractFromSSE(raw []byte) string {
	var sb strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sb.WriteString(chunk.Choices[0].Delta.Content)
	}
	return sb.String()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
