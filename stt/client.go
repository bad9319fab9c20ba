package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/vira-voice/dialer/audio"
)

// Result is a successful transcription.
type Result struct {
	Text   string
	Status string
}

// Client submits preprocessed audio to the transcription service.
type Client struct {
	url        string
	token      string
	enhancer   audio.Enhancer
	httpClient *http.Client
	timeout    time.Duration
	sem        chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call deadline (default 30s per
// spec.md §4.3 step 3).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEnhancer overrides the audio-preprocessing collaborator.
func WithEnhancer(e audio.Enhancer) Option {
	return func(c *Client) { c.enhancer = e }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client bounded to maxParallel concurrent requests
// (MAX_PARALLEL_STT).
func New(url, token string, maxParallel int, opts ...Option) *Client {
	if maxParallel <= 0 {
		maxParallel = 50
	}
	c := &Client{
		url:        url,
		token:      token,
		enhancer:   &audio.PassthroughEnhancer{},
		httpClient: &http.Client{},
		timeout:    30 * time.Second,
		sem:        make(chan struct{}, maxParallel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe runs the full §4.3 pipeline: preprocess, pre-filter,
// submit, extract. hotwords are forwarded as form fields; no other
// scenario.stt setting is sent.
func (c *Client) Transcribe(ctx context.Context, raw []byte, hotwords []string) (Result, error) {
	enhanced, _, err := c.enhancer.Enhance(ctx, raw)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: fmt.Errorf("enhance: %w", err)}
	}

	stats, err := audio.Analyze(enhanced)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: fmt.Errorf("analyze: %w", err)}
	}
	if audio.IsEmpty(stats) {
		return Result{}, &Error{Kind: KindEmptyAudio, Err: fmt.Errorf("pre-filter rejected: duration=%.3fs rms=%.5f size=%d", stats.DurationSecs, stats.RMS, stats.SizeBytes)}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Result{}, &Error{Kind: KindTransient, Err: ctx.Err()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := buildMultipart(enhanced, hotwords)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("gateway-token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw2, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Err: err}
	}

	text, status := extractTranscript(raw2)

	if resp.StatusCode == http.StatusForbidden || isQuotaPhrase(string(raw2)) {
		return Result{}, &Error{Kind: KindQuotaExhausted, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	}
	if text == EmptyAudioSentinel {
		return Result{}, &Error{Kind: KindEmptyAudio, Err: fmt.Errorf("sentinel text returned")}
	}
	if resp.StatusCode >= 400 {
		return Result{}, &Error{Kind: KindTransient, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	}

	return Result{Text: text, Status: status}, nil
}

// extractTranscript applies the §4.3 step-3 fall-through:
// data.text -> data.data.text -> data.data.aiResponse.result.text -> "".
func extractTranscript(raw []byte) (text, status string) {
	var payload struct {
		Status string `json:"status"`
		Data   struct {
			Text   string `json:"text"`
			Status string `json:"status"`
			Data   struct {
				Text      string `json:"text"`
				AIResponse struct {
					Status string `json:"status"`
					Result struct {
						Text string `json:"text"`
					} `json:"result"`
				} `json:"aiResponse"`
			} `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "unknown"
	}

	switch {
	case payload.Data.Text != "":
		text = payload.Data.Text
	case payload.Data.Data.Text != "":
		text = payload.Data.Data.Text
	case payload.Data.Data.AIResponse.Result.Text != "":
		text = payload.Data.Data.AIResponse.Result.Text
	default:
		text = ""
	}

	switch {
	case payload.Data.Status != "":
		status = payload.Data.Status
	case payload.Status != "":
		status = payload.Status
	case payload.Data.Data.AIResponse.Status != "":
		status = payload.Data.Data.AIResponse.Status
	default:
		status = "unknown"
	}
	return text, status
}

func buildMultipart(audioBytes []byte, hotwords []string) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audioBytes); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"model":             "default",
		"srt":               "false",
		"inverseNormalizer": "false",
		"timestamp":         "false",
		"spokenPunctuation": "false",
		"punctuation":       "false",
		"numSpeakers":       "0",
		"diarize":           "false",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, hw := range hotwords {
		if err := w.WriteField("hotwords[]", hw); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
