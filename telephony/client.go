package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is a typed wrapper over the ARI-style control endpoints
// (channel/bridge/playback/recording operations, origination,
// channel-variable reads).
type Client struct {
	baseURL    string
	appName    string
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call deadline (ARI_TIMEOUT).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxConnections bounds the adapter's connection pool
// (HTTP_MAX_CONNECTIONS).
func WithMaxConnections(n int) Option {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.MaxConnsPerHost = n
			t.MaxIdleConnsPerHost = n
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client for baseURL/appName, authenticating with
// BasicAuth(username, password).
func New(baseURL, appName, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		appName:  appName,
		username: username,
		password: password,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 100,
			},
		},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Channel is the subset of ARI channel fields this adapter cares
// about.
type Channel struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Playback identifies a started playback.
type Playback struct {
	ID string `json:"id"`
}

// Recording identifies a started recording.
type Recording struct {
	Name string `json:"name"`
}

// Answer answers channelID.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.request(ctx, "answer", http.MethodPost, fmt.Sprintf("/channels/%s/answer", channelID), nil, nil)
	return err
}

// Hangup terminates channelID. reason is a SIP-cause-like hint
// ("normal", "busy", ...); empty means "normal".
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	params := url.Values{}
	if reason != "" {
		params.Set("reason", reason)
	}
	_, err := c.request(ctx, "hangup", http.MethodDelete, fmt.Sprintf("/channels/%s", channelID), params, nil)
	return err
}

// OriginateParams parameters for an outbound origination.
type OriginateParams struct {
	Endpoint    string
	CallerID    string
	AppArgs     string
	TimeoutSecs int
	ChannelVars map[string]string
}

// Originate places an outbound call and returns the resulting
// channel id.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (string, error) {
	params := url.Values{}
	params.Set("endpoint", p.Endpoint)
	params.Set("app", c.appName)
	if p.AppArgs != "" {
		params.Set("appArgs", p.AppArgs)
	}
	if p.CallerID != "" {
		params.Set("callerId", p.CallerID)
	}
	if p.TimeoutSecs > 0 {
		params.Set("timeout", fmt.Sprintf("%d", p.TimeoutSecs))
	}
	var body map[string]any
	if len(p.ChannelVars) > 0 {
		body = map[string]any{"variables": p.ChannelVars}
	}
	var ch Channel
	if _, err := c.requestJSON(ctx, "originate", http.MethodPost, "/channels", params, body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context, name string) (string, error) {
	params := url.Values{"type": {"mixing"}, "name": {name}}
	var bridge struct {
		ID string `json:"id"`
	}
	if _, err := c.requestJSON(ctx, "create_bridge", http.MethodPost, "/bridges", params, nil, &bridge); err != nil {
		return "", err
	}
	return bridge.ID, nil
}

// AddChannelToBridge joins channelID into bridgeID.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID, role string) error {
	params := url.Values{"channel": {channelID}}
	if role != "" {
		params.Set("role", role)
	}
	_, err := c.request(ctx, "add_channel_to_bridge", http.MethodPost, fmt.Sprintf("/bridges/%s/addChannel", bridgeID), params, nil)
	return err
}

// DestroyBridge deletes bridgeID.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := c.request(ctx, "destroy_bridge", http.MethodDelete, fmt.Sprintf("/bridges/%s", bridgeID), nil, nil)
	return err
}

// Play starts playback of mediaRef on a channel or a bridge and
// returns the playback id. target is "channel" or "bridge".
func (c *Client) Play(ctx context.Context, target, targetID, mediaRef string) (string, error) {
	params := url.Values{"media": {mediaRef}}
	path := fmt.Sprintf("/channels/%s/play", targetID)
	if target == "bridge" {
		path = fmt.Sprintf("/bridges/%s/play", targetID)
	}
	var pb Playback
	if _, err := c.requestJSON(ctx, "play", http.MethodPost, path, params, nil, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// StopPlayback cancels a started playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	_, err := c.request(ctx, "stop_playback", http.MethodDelete, fmt.Sprintf("/playbacks/%s", playbackID), nil, nil)
	return err
}

// RecordParams bounds for a recording.
type RecordParams struct {
	Name            string
	MaxDurationSecs int
	MaxSilenceSecs  int
	Format          string
}

// Record starts recording channelID and returns the recording name
// used to correlate RecordingFinished/RecordingFailed events.
func (c *Client) Record(ctx context.Context, channelID string, p RecordParams) (string, error) {
	format := p.Format
	if format == "" {
		format = "wav"
	}
	params := url.Values{
		"name":               {p.Name},
		"format":             {format},
		"maxDurationSeconds": {fmt.Sprintf("%d", p.MaxDurationSecs)},
		"maxSilenceSeconds":  {fmt.Sprintf("%d", p.MaxSilenceSecs)},
		"ifExists":           {"overwrite"},
		"beep":               {"false"},
	}
	var rec Recording
	if _, err := c.requestJSON(ctx, "record", http.MethodPost, fmt.Sprintf("/channels/%s/record", channelID), params, nil, &rec); err != nil {
		return "", err
	}
	return rec.Name, nil
}

// GetChannelVar reads a single channel variable. Returns "" and no
// error if the variable is unset (matching the original's best-effort
// behaviour).
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	params := url.Values{"variable": {name}}
	var out struct {
		Value string `json:"value"`
	}
	_, err := c.requestJSON(ctx, "get_channel_var", http.MethodGet, fmt.Sprintf("/channels/%s/variable", channelID), params, nil, &out)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return "", nil
		}
		return "", err
	}
	return out.Value, nil
}

// FetchRecording downloads a stored recording by name.
func (c *Client) FetchRecording(ctx context.Context, name string) ([]byte, error) {
	body, err := c.request(ctx, "fetch_recording", http.MethodGet, fmt.Sprintf("/recordings/stored/%s/file", name), nil, nil)
	return body, err
}

func (c *Client) requestJSON(ctx context.Context, op, method, path string, params url.Values, body any, out any) ([]byte, error) {
	raw, err := c.request(ctx, op, method, path, params, body)
	if err != nil {
		return nil, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &Error{Kind: KindServer, Op: op, Message: "decode response", Err: err}
		}
	}
	return raw, nil
}

func (c *Client) request(ctx context.Context, op, method, path string, params url.Values, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindRejected, Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Op: op, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Message: "do request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}
	return respBody, nil
}
