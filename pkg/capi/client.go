// Package capi is a minimal client for the Meta Conversions API events edge.
package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-converter/internal/resilience"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
)

// Client submits server events to a pixel (dataset).
type Client interface {
	SendEvents(ctx context.Context, pixelID string, req EventRequest) (*EventResponse, error)
}

// EventRequest is the body of POST /{version}/{pixel_id}/events.
type EventRequest struct {
	Data          []ServerEvent `json:"data"`
	TestEventCode string        `json:"test_event_code,omitempty"`
	AccessToken   string        `json:"access_token,omitempty"`
}

// ServerEvent is a single conversion event.
type ServerEvent struct {
	EventName      string     `json:"event_name"`
	EventTime      int64      `json:"event_time"`
	ActionSource   string     `json:"action_source"`
	EventSourceURL string     `json:"event_source_url,omitempty"`
	UserData       UserData   `json:"user_data"`
	CustomData     CustomData `json:"custom_data"`
}

// UserData carries hashed identifiers. Em and Ph must already be SHA-256 hex.
type UserData struct {
	Em              []string `json:"em,omitempty"`
	Ph              []string `json:"ph,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
}

// CustomData carries event metadata.
type CustomData struct {
	ContentName string `json:"content_name,omitempty"`
}

// EventResponse is the success body.
type EventResponse struct {
	EventsReceived int      `json:"events_received"`
	Messages       []string `json:"messages"`
	FBTraceID      string   `json:"fbtrace_id"`
}

// APIError is a Graph API error envelope returned with a non-2xx status.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Subcode    int    `json:"error_subcode"`
	FBTraceID  string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("capi: status %d: %s (%s, code %d)", e.StatusCode, e.Message, e.Type, e.Code)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the Graph API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithAPIVersion overrides the Graph API version path segment.
func WithAPIVersion(v string) Option {
	return func(c *httpClient) {
		c.version = v
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLimiter throttles requests through l.
func WithLimiter(l *AdaptiveLimiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithTestEventCode routes events to the Events Manager test tool.
func WithTestEventCode(code string) Option {
	return func(c *httpClient) {
		c.testEventCode = code
	}
}

type httpClient struct {
	accessToken   string
	baseURL       string
	version       string
	testEventCode string
	http          *http.Client
	limiter       *AdaptiveLimiter
}

// NewClient creates a Conversions API client authenticated by accessToken.
func NewClient(accessToken string, opts ...Option) Client {
	c := &httpClient{
		accessToken: accessToken,
		baseURL:     defaultBaseURL,
		version:     defaultAPIVersion,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SendEvents(ctx context.Context, pixelID string, req EventRequest) (*EventResponse, error) {
	if pixelID == "" {
		return nil, eris.New("capi: pixel id is required")
	}
	if req.AccessToken == "" {
		req.AccessToken = c.accessToken
	}
	if req.TestEventCode == "" {
		req.TestEventCode = c.testEventCode
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "capi: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "capi: marshal request")
	}

	endpoint := fmt.Sprintf("%s/%s/%s/events", c.baseURL, c.version, pixelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "capi: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "capi: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "capi: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests && c.limiter != nil {
			c.limiter.OnRateLimit()
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var result EventResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "capi: unmarshal response")
	}
	if c.limiter != nil {
		c.limiter.OnSuccess()
	}
	return &result, nil
}

// maxRawMessage bounds the bytes of a non-JSON error body kept in APIError.
const maxRawMessage = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func decodeError(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return &APIError{StatusCode: status, Message: truncate(string(body), maxRawMessage), Type: "unknown"}
	}
	envelope.Error.StatusCode = status
	return envelope.Error
}
