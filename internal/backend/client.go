// Package backend posts chat messages to the assistant webhook.
//
// The webhook receives a JSON object carrying the message text and, when
// known, the session identifier. Any 2xx response body is the reply,
// returned verbatim as text; no JSON envelope is assumed.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMessageField is the JSON field carrying the message text.
	DefaultMessageField = "Mensaje"
	// DefaultSessionField is the JSON field carrying the session identifier.
	DefaultSessionField = "SesionId"
	// DefaultSessionHeader mirrors the session identifier as a request header.
	DefaultSessionHeader = "X-Session-Id"
	// DefaultMaxResponseBytes bounds how much of a reply body is read.
	DefaultMaxResponseBytes = 1 << 20
	// maxErrorBodyBytes bounds how much of an error body is kept for diagnostics.
	maxErrorBodyBytes = 4096
)

// Message is one outbound chat message.
type Message struct {
	// Text is the user's message.
	Text string
	// SessionID is the conversation identifier; empty means not yet resolved
	// and the field is omitted from the request.
	SessionID string
}

// ErrResponseTooLarge is returned when a reply exceeds the configured bound.
var ErrResponseTooLarge = errors.New("webhook reply exceeds size limit")

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Client posts messages to a webhook URL.
// It is safe for concurrent use.
type Client struct {
	url              string
	httpClient       *http.Client
	messageField     string
	sessionField     string
	sessionHeader    string
	maxResponseBytes int64
	headers          http.Header
	limiter          *rate.Limiter
	logger           *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithFieldNames overrides the JSON field names for the message and session.
// Empty names keep the defaults.
func WithFieldNames(message, session string) Option {
	return func(client *Client) {
		if message != "" {
			client.messageField = message
		}
		if session != "" {
			client.sessionField = session
		}
	}
}

// WithSessionHeader sets the header mirroring the session identifier.
// An empty name disables the header.
func WithSessionHeader(name string) Option {
	return func(client *Client) {
		client.sessionHeader = name
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(client *Client) {
		client.headers.Add(key, value)
	}
}

// WithMaxResponseBytes bounds the reply size. Longer replies fail with
// ErrResponseTooLarge.
func WithMaxResponseBytes(n int64) Option {
	return func(client *Client) {
		if n > 0 {
			client.maxResponseBytes = n
		}
	}
}

// WithRateLimit limits outbound requests to rps per second with the given burst.
// Send waits for a token and fails if the context ends first.
func WithRateLimit(rps float64, burst int) Option {
	return func(client *Client) {
		if rps <= 0 {
			client.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// New creates a webhook client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		messageField:     DefaultMessageField,
		sessionField:     DefaultSessionField,
		sessionHeader:    DefaultSessionHeader,
		maxResponseBytes: DefaultMaxResponseBytes,
		headers:          make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the webhook URL.
func (c *Client) URL() string {
	return c.url
}

// Send posts msg and returns the reply body.
// Non-2xx responses yield a *StatusError.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("send message: rate limit: %w", err)
		}
	}

	payload := map[string]string{c.messageField: msg.Text}
	if msg.SessionID != "" {
		payload[c.sessionField] = msg.SessionID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("send message: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.SessionID != "" && c.sessionHeader != "" {
		req.Header.Set(c.sessionHeader, msg.SessionID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("send message: read body: %w", err)
	}
	if int64(len(reply)) > c.maxResponseBytes {
		if c.logger != nil {
			c.logger.Warn("Webhook reply too large, discarding it",
				"limit", c.maxResponseBytes,
				"duration", time.Since(start),
			)
		}
		return "", fmt.Errorf("send message: %w", ErrResponseTooLarge)
	}

	if c.logger != nil {
		c.logger.Debug("Webhook replied",
			"status", resp.StatusCode,
			"bytes", len(reply),
			"duration", time.Since(start),
		)
	}
	return string(reply), nil
}
